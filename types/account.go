// types/account.go
// 账户领域模型：账户、存根、层级与规范数据哈希
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ===================== 基础类型 =====================

// HashSize 哈希长度（SHA-256）
const HashSize = 32

// AccountKeySize 账户键长度（固定 32 字节标识符）
const AccountKeySize = 32

// DataChunkSize 账户数据分块大小（字节）
const DataChunkSize = 32

// Hash 32 字节摘要
type Hash [HashSize]byte

// Bytes 返回摘要的字节切片副本
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// Hex 返回十六进制字符串
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero 是否为全零摘要
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromBytes 从字节切片构造 Hash，长度必须为 32
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// AccountKey 账户键（32 字节固定标识符）
type AccountKey [AccountKeySize]byte

// Bytes 返回键的字节切片副本
func (k AccountKey) Bytes() []byte {
	out := make([]byte, AccountKeySize)
	copy(out, k[:])
	return out
}

// Hex 返回十六进制字符串
func (k AccountKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Short 返回键的短前缀（日志用）
func (k AccountKey) Short() string {
	return hex.EncodeToString(k[:4])
}

// KeyFromBytes 从字节切片构造 AccountKey，长度必须为 32
func KeyFromBytes(b []byte) (AccountKey, error) {
	var k AccountKey
	if len(b) != AccountKeySize {
		return k, fmt.Errorf("invalid account key length: got %d, want %d", len(b), AccountKeySize)
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromString 从任意字符串派生账户键（测试与演示用）
func KeyFromString(s string) AccountKey {
	return AccountKey(sha256.Sum256([]byte(s)))
}

// ===================== 层级 =====================

// Tier 账户所处层级。任一时刻恰好处于一个层级。
type Tier uint8

const (
	TierHot     Tier = iota // 热：完整数据在活跃工作集内
	TierCold                // 冷：链上只剩存根，数据在链下存储
	TierArchive             // 归档：长期不活跃，进入归档存储
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCold:
		return "cold"
	case TierArchive:
		return "archive"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid 层级取值是否合法
func (t Tier) Valid() bool {
	return t <= TierArchive
}

// ===================== 账户 =====================

// Account 完整账户记录。
// 不变量：DataHash(Data) 必须与当前累加器中该键的条目一致。
type Account struct {
	Key      AccountKey
	Data     []byte
	Owner    AccountKey // 所属程序标识
	Lamports uint64     // 余额（lamport 等价物）

	Tier               Tier
	LastTouch          uint64 // 最近一次访问的区块高度
	Preserved          bool   // 保留标记（开发者出资防过期）
	PreservationEscrow uint64 // 保留托管余额
}

// Clone 深拷贝账户（Data 独立）
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	return &cp
}

// DataDigest 账户数据的规范哈希
func (a *Account) DataDigest() Hash {
	return DataHash(a.Data)
}

// ===================== 存根 =====================

// AccountStub 冷/归档账户的链上最小记录。
// 所有权归账本，只允许层级管理器修改。
type AccountStub struct {
	Key         AccountKey
	DataHash    Hash
	Owner       AccountKey
	Lamports    uint64
	Tier        Tier
	LocationRef []byte // 链下存储位置引用（内容寻址定位符）
	StubHeight  uint64 // 生成存根时的区块高度
}

// MatchesData 给定字节是否与存根记录的哈希一致
func (s *AccountStub) MatchesData(data []byte) bool {
	h := DataHash(data)
	return bytes.Equal(h[:], s.DataHash[:])
}

// ===================== 规范数据哈希 =====================

// DataHash 计算账户数据的规范哈希：
//  1. 数据按 32 字节分块，末块补零；空数据视为单个全零块；
//  2. 每块取 SHA-256 作为叶子；
//  3. 叶子数补齐到 2 的幂（复制最后一个叶子），两两 SHA-256(left||right) 归并成根。
func DataHash(data []byte) Hash {
	leaves := chunkLeaves(data)
	return foldLeaves(leaves)
}

// chunkLeaves 分块并哈希为叶子
func chunkLeaves(data []byte) []Hash {
	if len(data) == 0 {
		var zero [DataChunkSize]byte
		return []Hash{sha256.Sum256(zero[:])}
	}
	n := (len(data) + DataChunkSize - 1) / DataChunkSize
	leaves := make([]Hash, 0, n)
	for off := 0; off < len(data); off += DataChunkSize {
		var chunk [DataChunkSize]byte
		end := off + DataChunkSize
		if end > len(data) {
			end = len(data)
		}
		copy(chunk[:], data[off:end])
		leaves = append(leaves, sha256.Sum256(chunk[:]))
	}
	return leaves
}

// FoldHashes 对一组哈希执行与 DataHash 相同的二叉归并
// （补齐到 2 的幂，父 = SHA-256(left||right)）。承诺方案的
// 段承诺汇总复用这一形状。输入切片不被修改。
func FoldHashes(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}
	cp := make([]Hash, len(leaves))
	copy(cp, leaves)
	return foldLeaves(cp)
}

// CombineHashes 二叉父节点哈希
func CombineHashes(left, right Hash) Hash {
	return combineHash(left, right)
}

// foldLeaves 补齐到 2 的幂后逐层归并
func foldLeaves(leaves []Hash) Hash {
	for len(leaves)&(len(leaves)-1) != 0 {
		leaves = append(leaves, leaves[len(leaves)-1])
	}
	for len(leaves) > 1 {
		next := make([]Hash, 0, len(leaves)/2)
		for i := 0; i < len(leaves); i += 2 {
			next = append(next, combineHash(leaves[i], leaves[i+1]))
		}
		leaves = next
	}
	return leaves[0]
}

// combineHash 父节点哈希 = SHA-256(left || right)
func combineHash(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
