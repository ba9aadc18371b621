package interfaces

import (
	"context"
	"errors"

	"glacier/types"
)

// 这个包是跨模块接口的定义中心：方案实现方（merkle/kzg/verkle）、
// 存储实现方（store）只实现这里的接口，互相不直接依赖。

// ============================================
// 承诺方案接口
// ============================================

// 方案层通用错误
var (
	// ErrKeyNotFound 键不在累加器定义域内
	ErrKeyNotFound = errors.New("key not in accumulator domain")
	// ErrHeightNotRetained 请求的高度已超出保留窗口
	ErrHeightNotRetained = errors.New("height not retained")
	// ErrMalformedProof 证明字节无法解析为本方案的结构
	ErrMalformedProof = errors.New("malformed proof")
	// ErrProofMismatch 证明结构合法但与给定根对不上
	ErrProofMismatch = errors.New("proof does not match root")
)

// SchemeEntry 一次累加器变更条目。ValueHash 为账户数据的规范哈希。
type SchemeEntry struct {
	Key       types.AccountKey
	ValueHash types.Hash
	Delete    bool // true 时从定义域移除该键
	Insert    bool // true 时为新键插入；否则为已有键更新
}

// Scheme 承诺方案能力接口：{生成、校验、更新} 三元能力，
// 由配置选择 merkle / kzg / verkle 三种实现之一。
// 证明大小与校验成本对调用方保持可见（费率计价用）。
type Scheme interface {
	// ID 方案标识
	ID() types.SchemeID

	// Apply 在给定高度应用一批变更并返回新根。
	// 批内条目已由引擎规范化（去重、排序）；对未知键的更新
	// 返回 ErrKeyNotFound。height 必须单调递增。
	Apply(height uint64, entries []SchemeEntry) (types.Hash, error)

	// RootAt 返回指定高度的根；超出保留窗口返回 ErrHeightNotRetained
	RootAt(height uint64) (types.Hash, error)

	// Prove 为键生成针对指定高度的包含性证明（纯读）。
	// 键不存在返回 ErrKeyNotFound；高度被剪枝返回 ErrHeightNotRetained。
	Prove(height uint64, key types.AccountKey) ([]byte, error)

	// VerifyProof 对照给定根校验证明（无需树状态，纯计算）。
	// 校验通过返回 nil；不通过返回描述性错误。
	VerifyProof(root types.Hash, key types.AccountKey, valueHash types.Hash, proof []byte) error

	// Contains 键在指定高度是否属于定义域
	Contains(height uint64, key types.AccountKey) (bool, error)

	// ProofSizeHint 该方案典型证明大小（字节，计价参考）
	ProofSizeHint() int

	// Prune 丢弃早于 height 的历史版本
	Prune(height uint64) error

	// Close 释放底层资源
	Close() error
}

// ============================================
// 账户存储接口（外部协作方）
// ============================================

// ErrAccountNotFound 账户不存在
var ErrAccountNotFound = errors.New("account not found")

// AccountStore 现有账本的账户映射。核心从这里读取账户，
// 把证明与承诺写回账本侧。
type AccountStore interface {
	GetAccount(key types.AccountKey) (*types.Account, error)
	PutAccount(acct *types.Account) error
	DeleteAccount(key types.AccountKey) error

	// RangeAccounts 遍历全部账户；fn 返回 false 时提前终止
	RangeAccounts(fn func(*types.Account) bool) error

	Close() error
}

// ============================================
// 存根与过期记录存储接口
// ============================================

var (
	// ErrStubNotFound 存根不存在
	ErrStubNotFound = errors.New("account stub not found")
	// ErrExpiryRecordNotFound 过期记录不存在
	ErrExpiryRecordNotFound = errors.New("expiry record not found")
)

// StubStore 冷/归档账户存根的持久化。存根所有权归账本，
// 只允许层级管理器写入。
type StubStore interface {
	GetStub(key types.AccountKey) (*types.AccountStub, error)
	PutStub(stub *types.AccountStub) error
	DeleteStub(key types.AccountKey) error

	// RangeStubs 遍历全部存根；fn 返回 false 时提前终止
	RangeStubs(fn func(*types.AccountStub) bool) error
}

// ExpiryStore 过期记录与序号映射的持久化。位图索引以稠密
// 序号跟踪记录，序号终身绑定账户键，释放后不复用。
type ExpiryStore interface {
	GetExpiryRecord(key types.AccountKey) (*types.ExpiryRecord, error)
	PutExpiryRecord(rec *types.ExpiryRecord) error
	DeleteExpiryRecord(key types.AccountKey) error

	// OrdinalOf 账户键对应的序号；不存在时 ok 为 false
	OrdinalOf(key types.AccountKey) (ord uint32, ok bool, err error)

	// AllocOrdinal 为账户键分配序号；已分配则返回既有序号
	AllocOrdinal(key types.AccountKey) (uint32, error)

	// KeyOfOrdinal 序号对应的账户键
	KeyOfOrdinal(ord uint32) (types.AccountKey, error)

	// ReleaseOrdinal 释放账户键占用的序号映射
	ReleaseOrdinal(key types.AccountKey) error

	// RangeOrdinals 遍历全部序号映射（索引重建用）
	RangeOrdinals(fn func(ord uint32, key types.AccountKey) bool) error
}

// ============================================
// 区块出参存储接口
// ============================================

// ErrOutcomeNotFound 区块出参不存在
var ErrOutcomeNotFound = errors.New("block outcome not found")

// OutcomeStore 每区块出参（新根、层级转移、扣费）的持久化，
// 账本侧消费。
type OutcomeStore interface {
	PutOutcome(outcome *types.BlockOutcome) error
	OutcomeAt(height uint64) (*types.BlockOutcome, error)
	SetLatestHeight(height uint64) error
	LatestHeight() (uint64, error)
}

// ============================================
// 链下存储接口
// ============================================

// ErrBlobNotFound 链下数据不存在
var ErrBlobNotFound = errors.New("offchain blob not found")

// OffchainStore 冷/归档账户数据的内容寻址存储。
// Fetch 返回的字节必须与存根记录的哈希一致后方可采信（调用方校验）。
type OffchainStore interface {
	// Put 存入数据并返回位置引用（定位符）
	Put(key types.AccountKey, data []byte) (locationRef []byte, err error)

	// Fetch 按位置引用取回数据；仅在解冻路径上调用，
	// 可能阻塞在 I/O 上，受 ctx 控制取消。
	Fetch(ctx context.Context, key types.AccountKey, locationRef []byte) ([]byte, error)

	// Has 是否存有该位置引用
	Has(locationRef []byte) (bool, error)

	Close() error
}
