// utils/locator.go
// 链下存储定位符：内容寻址的 keccak 定位符 + SipHash 分片选择
package utils

import (
	"encoding/hex"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/sha3"
)

// LocatorSize 定位符长度（keccak-256）
const LocatorSize = 32

// ContentLocator 由账户键与数据哈希派生内容定位符。
// 同一 (key, dataHash) 恒得同一定位符，存取双方可独立重算。
func ContentLocator(accountKey, dataHash []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(accountKey)
	h.Write(dataHash)
	return h.Sum(nil)
}

// ShardOf 用带密钥的 SipHash 把定位符映射到 [0, shards) 分片。
// key0/key1 为存储实例私有种子，避免外部构造聚集攻击。
func ShardOf(key0, key1 uint64, locator []byte, shards uint64) uint64 {
	if shards <= 1 {
		return 0
	}
	return siphash.Hash(key0, key1, locator) % shards
}

// LocatorHex 定位符的十六进制形式（日志与键构造用）
func LocatorHex(locator []byte) string {
	return hex.EncodeToString(locator)
}
