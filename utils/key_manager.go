package utils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"glacier/logs"
)

// KeyManager 保存本节点的签名身份，违规举报用它签名。
type KeyManager struct {
	PrivateKeyECDSA *ecdsa.PrivateKey
	PublicKeyECDSA  *ecdsa.PublicKey
}

// 单例相关
var (
	keyManagerInstance *KeyManager
	keyManagerOnce     sync.Once
)

// GetKeyManager 获取全局唯一的 KeyManager 实例
func GetKeyManager() *KeyManager {
	keyManagerOnce.Do(func() {
		keyManagerInstance = &KeyManager{}
	})
	return keyManagerInstance
}

// LoadOrCreate 从 PEM 文件加载节点私钥；文件不存在则生成新钥
// 并以 0600 权限落盘。同一数据目录必须复用同一把钥，否则
// 历史举报无法追溯到本节点。
func (km *KeyManager) LoadOrCreate(path string) error {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, perr := parseECPrivateKeyPEM(data)
		if perr != nil {
			return fmt.Errorf("parse node key %s: %w", path, perr)
		}
		km.PrivateKeyECDSA = priv
		km.PublicKeyECDSA = &priv.PublicKey
		logs.Debug("[KeyManager] loaded node key from %s", path)
		return nil
	case os.IsNotExist(err):
		priv, gerr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if gerr != nil {
			return gerr
		}
		blob, merr := encodeECPrivateKeyPEM(priv)
		if merr != nil {
			return merr
		}
		if werr := os.WriteFile(path, blob, 0o600); werr != nil {
			return fmt.Errorf("persist node key %s: %w", path, werr)
		}
		km.PrivateKeyECDSA = priv
		km.PublicKeyECDSA = &priv.PublicKey
		logs.Info("[KeyManager] generated new node key at %s", path)
		return nil
	default:
		return err
	}
}

// PublicKeyPEM 返回 PEM 编码的公钥，便于对外公布举报者身份。
func (km *KeyManager) PublicKeyPEM() (string, error) {
	if km.PublicKeyECDSA == nil {
		return "", errors.New("key manager not initialized")
	}
	der, err := x509.MarshalPKIXPublicKey(km.PublicKeyECDSA)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func encodeECPrivateKeyPEM(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func parseECPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
