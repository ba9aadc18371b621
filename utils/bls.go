package utils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"glacier/logs"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
)

const maxCacheSize = 100

// 定义全局缓存：
// blsSignCache 存储签名数据，cacheKeys 记录键的插入顺序，用于实现简单的 FIFO 驱逐策略。
var (
	blsSignCache = make(map[string][]byte)
	cacheKeys    = make([]string, 0, maxCacheSize)
	cacheMutex   sync.Mutex
)

// BLSSignWithCache 对给定消息进行 BLS 签名，并缓存结果。
// 同一私钥对同一消息重复签名时直接返回缓存，避免重复配对运算。
// 违规举报等幂等消息走这里。
func BLSSignWithCache(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	// 缓存 key：私钥 D 值与消息摘要拼接
	digest := sha256.Sum256(msg)
	cacheKey := hex.EncodeToString(priv.D.Bytes()) + "_" + hex.EncodeToString(digest[:])

	cacheMutex.Lock()
	if sig, exists := blsSignCache[cacheKey]; exists {
		cacheMutex.Unlock()
		return sig, nil
	}
	cacheMutex.Unlock()

	suite := bn256.NewSuite()

	privScalar, err := GetBLSPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	// bls.Sign 内部会使用 hash-to-scalar 方法
	signature, err := bls.Sign(suite, privScalar, msg)
	if err != nil {
		return nil, err
	}

	cacheMutex.Lock()
	// 缓存已满则删除最早的缓存项（FIFO 驱逐）
	if len(blsSignCache) >= maxCacheSize {
		oldestKey := cacheKeys[0]
		cacheKeys = cacheKeys[1:]
		delete(blsSignCache, oldestKey)
	}
	blsSignCache[cacheKey] = signature
	cacheKeys = append(cacheKeys, cacheKey)
	cacheMutex.Unlock()

	return signature, nil
}

// GetBLSPrivateKey 通过ECDSA私钥生成BLS私钥
func GetBLSPrivateKey(priv *ecdsa.PrivateKey) (kyber.Scalar, error) {
	// 对ECDSA私钥的D值进行哈希，生成BLS私钥
	hash := sha256.Sum256(priv.D.Bytes())
	suite := bn256.NewSuite()
	blsPrivateKey := suite.G2().Scalar().SetBytes(hash[:])

	return blsPrivateKey, nil
}

// BLSVerifySignature 验证给定消息和签名是否与提供的 BLS 公钥匹配。
// 校验成功返回 nil。
func BLSVerifySignature(pub kyber.Point, msg []byte, signature []byte) error {
	suite := bn256.NewSuite()
	return bls.Verify(suite, pub, msg, signature)
}

// GetBLSPublicKey 获取与BLS私钥对应的BLS公钥
func GetBLSPublicKey(priv *ecdsa.PrivateKey) (kyber.Point, error) {
	blsPrivateKey, err := GetBLSPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	suite := bn256.NewSuite()
	blsPublicKey := suite.G2().Point().Mul(blsPrivateKey, nil)

	return blsPublicKey, nil
}

// AggregateBLS 聚合多个 BLS 签名
func AggregateBLS(sigs [][]byte) ([]byte, error) {
	suite := bn256.NewSuite()
	aggSig, err := bls.AggregateSignatures(suite, sigs...)
	if err != nil {
		logs.Error("failed to aggregate signatures: %v", err)
		return nil, err
	}
	return aggSig, nil
}
