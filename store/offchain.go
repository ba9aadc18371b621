// store/offchain.go
// 冷/归档账户数据的链下存储：内容寻址（keccak 定位符），
// SipHash 键控分片，Pebble 落盘。
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"glacier/interfaces"
	"glacier/types"
	"glacier/utils"
)

// blobKeyPrefix 链下数据键前缀。布局: blob_[1B shard][32B locator]
const blobKeyPrefix = "blob_"

// OffchainDB Pebble 后端的链下内容存储。
// 定位符由 (账户键, 数据哈希) 派生，存取双方可独立重算；
// 取回字节是否与存根哈希一致由调用方（层级管理器）校验。
type OffchainDB struct {
	db     *pebble.DB
	shards uint64
	k0, k1 uint64 // SipHash 分片种子，实例私有
}

var _ interfaces.OffchainStore = (*OffchainDB)(nil)

// OpenOffchainDB 打开链下存储。seed 为分片种子，同一数据目录
// 必须固定（随配置持久化），否则旧定位符会映射到错的分片。
func OpenOffchainDB(dir string, shards uint64, seed uint64) (*OffchainDB, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MaxOpenFiles: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("open offchain store %s: %w", dir, err)
	}
	if shards == 0 {
		shards = 1
	}
	var k [2]uint64
	k[0] = seed
	k[1] = seed ^ 0x9e3779b97f4a7c15
	return &OffchainDB{db: db, shards: shards, k0: k[0], k1: k[1]}, nil
}

// Put 存入账户数据并返回内容定位符
func (o *OffchainDB) Put(key types.AccountKey, data []byte) ([]byte, error) {
	dataHash := types.DataHash(data)
	locator := utils.ContentLocator(key.Bytes(), dataHash.Bytes())
	if err := o.db.Set(o.blobKey(locator), data, pebble.NoSync); err != nil {
		return nil, fmt.Errorf("offchain put %s: %w", utils.LocatorHex(locator), err)
	}
	return locator, nil
}

// Fetch 按定位符取回数据。解冻路径专用，受 ctx 取消控制；
// 返回字节尚未与存根哈希比对，采信前必须由调用方校验。
func (o *OffchainDB) Fetch(ctx context.Context, key types.AccountKey, locationRef []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(locationRef) != utils.LocatorSize {
		return nil, fmt.Errorf("%w: bad locator length %d", interfaces.ErrBlobNotFound, len(locationRef))
	}
	val, closer, err := o.db.Get(o.blobKey(locationRef))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrBlobNotFound, utils.LocatorHex(locationRef))
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Has 是否存有该定位符
func (o *OffchainDB) Has(locationRef []byte) (bool, error) {
	if len(locationRef) != utils.LocatorSize {
		return false, nil
	}
	_, closer, err := o.db.Get(o.blobKey(locationRef))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// Close 关闭底层 Pebble 实例
func (o *OffchainDB) Close() error {
	return o.db.Close()
}

// blobKey 物理键 = 前缀 + 分片字节 + 定位符
func (o *OffchainDB) blobKey(locator []byte) []byte {
	shard := utils.ShardOf(o.k0, o.k1, locator, o.shards)
	out := make([]byte, 0, len(blobKeyPrefix)+1+len(locator))
	out = append(out, blobKeyPrefix...)
	out = append(out, byte(shard))
	return append(out, locator...)
}

// SeedFromDir 从目录名派生确定性的分片种子（演示与测试用；
// 生产部署应在配置里固定种子）
func SeedFromDir(dir string) uint64 {
	sum := utils.Sha256Hash([]byte(dir))
	return binary.BigEndian.Uint64(sum[:8])
}

// ============================================
// 内存实现（测试用）
// ============================================

// MemoryOffchain 内存链下存储。与 MemoryStore 同一角色：
// Pebble 实现的测试替身。
type MemoryOffchain struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ interfaces.OffchainStore = (*MemoryOffchain)(nil)

// NewMemoryOffchain 创建内存链下存储
func NewMemoryOffchain() *MemoryOffchain {
	return &MemoryOffchain{blobs: make(map[string][]byte)}
}

// Put 存入数据并返回定位符
func (m *MemoryOffchain) Put(key types.AccountKey, data []byte) ([]byte, error) {
	dataHash := types.DataHash(data)
	locator := utils.ContentLocator(key.Bytes(), dataHash.Bytes())
	m.mu.Lock()
	m.blobs[string(locator)] = append([]byte(nil), data...)
	m.mu.Unlock()
	return locator, nil
}

// Fetch 按定位符取回数据
func (m *MemoryOffchain) Fetch(ctx context.Context, key types.AccountKey, locationRef []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[string(locationRef)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrBlobNotFound, utils.LocatorHex(locationRef))
	}
	return append([]byte(nil), data...), nil
}

// Has 是否存有该定位符
func (m *MemoryOffchain) Has(locationRef []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[string(locationRef)]
	return ok, nil
}

// Corrupt 篡改定位符下的数据（完整性校验测试用）
func (m *MemoryOffchain) Corrupt(locationRef []byte, data []byte) {
	m.mu.Lock()
	m.blobs[string(locationRef)] = append([]byte(nil), data...)
	m.mu.Unlock()
}

// Close 无资源可释放
func (m *MemoryOffchain) Close() error {
	return nil
}
