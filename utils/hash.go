// utils/hash.go
package utils

import (
	"crypto/sha256"

	"glacier/logs"

	"github.com/spaolacci/murmur3"
)

// MurmurHash 使用Murmur3哈希算法
func MurmurHash(data []byte) []byte {
	h := murmur3.New64()
	_, err := h.Write(data)
	if err != nil {
		logs.Verbose("hash error: %v", err)
	}
	sum64 := h.Sum64()
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(sum64 >> (8 * i))
	}
	return b
}

// MurmurSum64 Murmur3 的 64 位摘要
func MurmurSum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

// StripeIndex 把任意键映射到 [0, stripes) 的分段下标（锁分段用）
func StripeIndex(key []byte, stripes int) int {
	if stripes <= 1 {
		return 0
	}
	return int(murmur3.Sum64(key) % uint64(stripes))
}

func Sha256Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
