package store

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ============================================
// BadgerDB 版本化存储适配器
// ============================================

// tombstone 删除标记。真删除会破坏历史版本查询，统一写墓碑。
var tombstone = []byte{0xFF}

func isTombstone(val []byte) bool {
	return len(val) == 1 && val[0] == 0xFF
}

// BadgerStore 实现 VersionedStore 接口，使用 BadgerDB 作为后端
type BadgerStore struct {
	db     *badger.DB
	prefix []byte // 命名空间前缀
	mu     sync.RWMutex
}

// NewBadgerStore 创建 BadgerDB 版本化存储。db 生命周期由外部管理。
func NewBadgerStore(db *badger.DB, prefix []byte) *BadgerStore {
	return &BadgerStore{
		db:     db,
		prefix: prefix,
	}
}

// Get 获取指定版本的值；version=0 表示最新版本
func (s *BadgerStore) Get(key []byte, version Version) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []byte
	err := s.db.View(func(txn *badger.Txn) error {
		if version == 0 {
			return s.getLatest(txn, key, &result)
		}
		return s.getAtVersion(txn, key, version, &result)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return result, nil
}

// getLatest 反向迭代找该 Key 的最大版本
func (s *BadgerStore) getLatest(txn *badger.Txn, key []byte, result *[]byte) error {
	fullKey := s.encodeKey(key)

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = fullKey

	it := txn.NewIterator(opts)
	defer it.Close()

	seekKey := s.encodeVersionedKey(key, ^Version(0))
	it.Seek(seekKey)

	if !it.Valid() {
		return ErrNotFound
	}

	item := it.Item()
	if len(item.Key()) < len(fullKey) {
		return ErrNotFound
	}

	return item.Value(func(val []byte) error {
		if isTombstone(val) {
			return ErrNotFound
		}
		*result = append([]byte(nil), val...)
		return nil
	})
}

// getAtVersion 先试精确版本，再反向找 <= version 的最近版本
func (s *BadgerStore) getAtVersion(txn *badger.Txn, key []byte, version Version, result *[]byte) error {
	versionedKey := s.encodeVersionedKey(key, version)
	item, err := txn.Get(versionedKey)
	if err == nil {
		return item.Value(func(val []byte) error {
			if isTombstone(val) {
				return ErrNotFound
			}
			*result = append([]byte(nil), val...)
			return nil
		})
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = s.encodeKey(key)

	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(versionedKey)
	if !it.Valid() {
		return ErrVersionNotFound
	}

	return it.Item().Value(func(val []byte) error {
		if isTombstone(val) {
			return ErrNotFound
		}
		*result = append([]byte(nil), val...)
		return nil
	})
}

// Set 在指定版本写入值
func (s *BadgerStore) Set(key []byte, value []byte, version Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.encodeVersionedKey(key, version), value)
	})
}

// Delete 在指定版本写入墓碑
func (s *BadgerStore) Delete(key []byte, version Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.encodeVersionedKey(key, version), tombstone)
	})
}

// GetLatestVersion 获取 Key 的最新版本号
func (s *BadgerStore) GetLatestVersion(key []byte) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version Version
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = s.encodeKey(key)

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(s.encodeVersionedKey(key, ^Version(0)))
		if !it.Valid() {
			return ErrNotFound
		}

		itemKey := it.Item().Key()
		if len(itemKey) < 8 {
			return errors.New("invalid key format")
		}
		version = Version(binary.BigEndian.Uint64(itemKey[len(itemKey)-8:]))
		return nil
	})
	return version, err
}

// Scan 遍历逻辑键以 prefix 开头的全部版本记录。
// 迭代时不取值，只解析键尾部的版本号。
func (s *BadgerStore) Scan(prefix []byte, fn func(key []byte, version Version) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.encodeKey(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			full := it.Item().Key()
			if len(full) < len(s.prefix)+8 {
				continue
			}
			logical := full[len(s.prefix) : len(full)-8]
			version := Version(binary.BigEndian.Uint64(full[len(full)-8:]))
			if !fn(append([]byte(nil), logical...), version) {
				return nil
			}
		}
		return nil
	})
}

// Purge 物理删除 key 所有 version < below 的记录
func (s *BadgerStore) Purge(key []byte, below Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keysToDelete [][]byte
	fullPrefix := s.encodeKey(key)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = fullPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			full := it.Item().Key()
			if len(full) != len(fullPrefix)+8 {
				continue
			}
			keyVersion := Version(binary.BigEndian.Uint64(full[len(full)-8:]))
			if keyVersion < below {
				keysToDelete = append(keysToDelete, append([]byte(nil), full...))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keysToDelete) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, k := range keysToDelete {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Close 关闭存储（不关闭 BadgerDB 本身，由外部管理）
func (s *BadgerStore) Close() error {
	return nil
}

// ============================================
// 会话：单个 Badger 事务内的批量读写
// ============================================

// NewSession 创建基于单个 Badger 事务的会话。
// 区块级批量应用走这里，Commit 前写入对外不可见。
func (s *BadgerStore) NewSession() (VersionedStoreSession, error) {
	return &badgerSession{
		store: s,
		txn:   s.db.NewTransaction(true),
	}, nil
}

type badgerSession struct {
	store *BadgerStore
	txn   *badger.Txn
	done  bool
}

func (bs *badgerSession) Get(key []byte, version Version) ([]byte, error) {
	var result []byte
	var err error
	if version == 0 {
		err = bs.store.getLatest(bs.txn, key, &result)
	} else {
		err = bs.store.getAtVersion(bs.txn, key, version, &result)
	}
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return result, nil
}

func (bs *badgerSession) Set(key []byte, value []byte, version Version) error {
	return bs.txn.Set(bs.store.encodeVersionedKey(key, version), value)
}

func (bs *badgerSession) Delete(key []byte, version Version) error {
	return bs.txn.Set(bs.store.encodeVersionedKey(key, version), tombstone)
}

func (bs *badgerSession) Commit() error {
	if bs.done {
		return errors.New("session already closed")
	}
	bs.done = true
	return bs.txn.Commit()
}

func (bs *badgerSession) Rollback() error {
	if bs.done {
		return nil
	}
	bs.done = true
	bs.txn.Discard()
	return nil
}

func (bs *badgerSession) Close() error {
	return bs.Rollback()
}

// ============================================
// 内部辅助函数
// ============================================

// encodeKey 基本 Key 添加命名空间前缀
func (s *BadgerStore) encodeKey(key []byte) []byte {
	result := make([]byte, len(s.prefix)+len(key))
	copy(result, s.prefix)
	copy(result[len(s.prefix):], key)
	return result
}

// encodeVersionedKey 格式: [prefix][originalKey][8-byte big-endian version]
func (s *BadgerStore) encodeVersionedKey(key []byte, version Version) []byte {
	result := make([]byte, len(s.prefix)+len(key)+8)
	copy(result, s.prefix)
	copy(result[len(s.prefix):], key)
	binary.BigEndian.PutUint64(result[len(s.prefix)+len(key):], uint64(version))
	return result
}
