package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ============================================
// 版本化存储接口
// ============================================

// Version 节点存储的版本号，等于区块高度
type Version uint64

// ErrNotFound 当 Key 不存在时返回
var ErrNotFound = errors.New("key not found")

// ErrVersionNotFound 当指定版本不存在时返回
var ErrVersionNotFound = errors.New("version not found")

// VersionedStore 支持按高度读写的 KV 存储接口。
// 树节点是内容寻址的（键 = 节点哈希），版本号提供保留窗口与历史查询。
type VersionedStore interface {
	// Get 获取指定版本的值；version 为 0 表示最新版本。
	// Key 不存在返回 ErrNotFound；指定版本不存在返回 ErrVersionNotFound。
	Get(key []byte, version Version) ([]byte, error)

	// Set 在指定版本写入值
	Set(key []byte, value []byte, version Version) error

	// Delete 标记指定版本的 Key 为已删除（墓碑）
	Delete(key []byte, version Version) error

	// GetLatestVersion 获取指定 Key 的最新版本号
	GetLatestVersion(key []byte) (Version, error)

	// Scan 遍历逻辑键以 prefix 开头的全部版本记录；fn 返回 false 提前终止。
	// 历史清理依赖它扫描过期索引。
	Scan(prefix []byte, fn func(key []byte, version Version) bool) error

	// Purge 物理删除 key 所有 version < below 的记录
	Purge(key []byte, below Version) error

	// NewSession 创建存储会话：单个事务内执行多个操作，
	// 区块级批量应用依赖它保证原子性。
	NewSession() (VersionedStoreSession, error)

	// Close 关闭存储
	Close() error
}

// VersionedStoreSession 存储会话。Commit 前所有写入对外不可见。
type VersionedStoreSession interface {
	Get(key []byte, version Version) ([]byte, error)
	Set(key []byte, value []byte, version Version) error
	Delete(key []byte, version Version) error

	// Commit 原子提交会话中的所有更改
	Commit() error

	// Rollback 撤销会话中的所有更改
	Rollback() error

	// Close 关闭会话并释放资源（未 Commit 则回滚）
	Close() error
}

// ============================================
// 内存实现 (用于测试)
// ============================================

// versionedEntry 单个版本的值
type versionedEntry struct {
	version Version
	value   []byte
	deleted bool
}

// MemoryStore 内存版本化存储。仅用于测试，不适合生产环境。
type MemoryStore struct {
	mu sync.RWMutex
	// data: key -> []versionedEntry (按版本升序排列)
	data map[string][]versionedEntry
}

// NewMemoryStore 创建内存版本化存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]versionedEntry),
	}
}

// Get 获取指定版本的值
func (m *MemoryStore) Get(key []byte, version Version) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(key, version)
}

func (m *MemoryStore) getLocked(key []byte, version Version) ([]byte, error) {
	entries, ok := m.data[string(key)]
	if !ok || len(entries) == 0 {
		return nil, ErrNotFound
	}

	if version == 0 {
		latest := entries[len(entries)-1]
		if latest.deleted {
			return nil, ErrNotFound
		}
		return latest.value, nil
	}

	// 查找 <= version 的最新条目
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].version <= version {
			if entries[i].deleted {
				return nil, ErrNotFound
			}
			return entries[i].value, nil
		}
	}
	return nil, ErrVersionNotFound
}

// Set 在指定版本写入值
func (m *MemoryStore) Set(key []byte, value []byte, version Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, version, false)
	return nil
}

// Delete 标记指定版本的 Key 为已删除
func (m *MemoryStore) Delete(key []byte, version Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, nil, version, true)
	return nil
}

func (m *MemoryStore) setLocked(key []byte, value []byte, version Version, deleted bool) {
	keyStr := string(key)
	entry := versionedEntry{
		version: version,
		value:   append([]byte(nil), value...),
		deleted: deleted,
	}

	entries := m.data[keyStr]
	for i, e := range entries {
		if e.version == version {
			entries[i] = entry
			m.data[keyStr] = entries
			return
		}
	}

	// 插入并保持版本升序
	entries = append(entries, entry)
	for i := len(entries) - 1; i > 0; i-- {
		if entries[i].version < entries[i-1].version {
			entries[i], entries[i-1] = entries[i-1], entries[i]
		} else {
			break
		}
	}
	m.data[keyStr] = entries
}

// GetLatestVersion 获取指定 Key 的最新版本号
func (m *MemoryStore) GetLatestVersion(key []byte) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.data[string(key)]
	if !ok || len(entries) == 0 {
		return 0, ErrNotFound
	}
	return entries[len(entries)-1].version, nil
}

// Scan 遍历逻辑键以 prefix 开头的全部版本记录
func (m *MemoryStore) Scan(prefix []byte, fn func(key []byte, version Version) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := string(prefix)
	for keyStr, entries := range m.data {
		if len(keyStr) < len(p) || keyStr[:len(p)] != p {
			continue
		}
		for _, e := range entries {
			if !fn([]byte(keyStr), e.version) {
				return nil
			}
		}
	}
	return nil
}

// Purge 物理删除 key 所有 version < below 的记录
func (m *MemoryStore) Purge(key []byte, below Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyStr := string(key)
	entries, ok := m.data[keyStr]
	if !ok {
		return nil
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.version >= below {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(m.data, keyStr)
	} else {
		m.data[keyStr] = kept
	}
	return nil
}

// Close 关闭存储
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// NewSession 内存实现的会话：写入先入暂存区，Commit 时一次性落入主表
func (m *MemoryStore) NewSession() (VersionedStoreSession, error) {
	return &memorySession{
		m:       m,
		staged:  make(map[string]versionedEntry),
		ordered: make([]string, 0),
	}, nil
}

type memorySession struct {
	m       *MemoryStore
	staged  map[string]versionedEntry
	ordered []string // 暂存键的写入顺序
	closed  bool
}

// stageKey 暂存区键：原始 key + 版本
func stageKey(key []byte, version Version) string {
	buf := make([]byte, len(key)+8)
	copy(buf, key)
	binary.BigEndian.PutUint64(buf[len(key):], uint64(version))
	return string(buf)
}

func (s *memorySession) Get(key []byte, version Version) ([]byte, error) {
	// 先读暂存区（会话内读己之写）
	if version != 0 {
		if e, ok := s.staged[stageKey(key, version)]; ok {
			if e.deleted {
				return nil, ErrNotFound
			}
			return e.value, nil
		}
	} else {
		// version=0 查最新：暂存区中同 key 的最大版本
		var best *versionedEntry
		for i := len(s.ordered) - 1; i >= 0; i-- {
			sk := s.ordered[i]
			if len(sk) == len(key)+8 && sk[:len(key)] == string(key) {
				e := s.staged[sk]
				if best == nil || e.version > best.version {
					tmp := e
					best = &tmp
				}
			}
		}
		if best != nil {
			if best.deleted {
				return nil, ErrNotFound
			}
			return best.value, nil
		}
	}

	val, err := s.m.Get(key, version)
	if err == nil || version == 0 {
		return val, err
	}
	// 指定版本在主表未命中时，回退检查暂存区内 <= version 的最新写入
	var best *versionedEntry
	for _, sk := range s.ordered {
		if len(sk) == len(key)+8 && sk[:len(key)] == string(key) {
			e := s.staged[sk]
			if e.version <= version && (best == nil || e.version > best.version) {
				tmp := e
				best = &tmp
			}
		}
	}
	if best != nil {
		if best.deleted {
			return nil, ErrNotFound
		}
		return best.value, nil
	}
	return nil, err
}

func (s *memorySession) Set(key []byte, value []byte, version Version) error {
	sk := stageKey(key, version)
	if _, ok := s.staged[sk]; !ok {
		s.ordered = append(s.ordered, sk)
	}
	s.staged[sk] = versionedEntry{
		version: version,
		value:   append([]byte(nil), value...),
		deleted: false,
	}
	return nil
}

func (s *memorySession) Delete(key []byte, version Version) error {
	sk := stageKey(key, version)
	if _, ok := s.staged[sk]; !ok {
		s.ordered = append(s.ordered, sk)
	}
	s.staged[sk] = versionedEntry{version: version, deleted: true}
	return nil
}

func (s *memorySession) Commit() error {
	if s.closed {
		return errors.New("session already closed")
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	for _, sk := range s.ordered {
		e := s.staged[sk]
		key := []byte(sk[:len(sk)-8])
		s.m.setLocked(key, e.value, e.version, e.deleted)
	}
	s.staged = nil
	s.ordered = nil
	s.closed = true
	return nil
}

func (s *memorySession) Rollback() error {
	s.staged = nil
	s.ordered = nil
	s.closed = true
	return nil
}

func (s *memorySession) Close() error {
	if !s.closed {
		return s.Rollback()
	}
	return nil
}

// ============================================
// 版本化 Key 编码
// ============================================

// EncodeVersionedKey 原始 Key + 8 字节 Big-Endian 版本号
func EncodeVersionedKey(key []byte, version Version) []byte {
	result := make([]byte, len(key)+8)
	copy(result, key)
	binary.BigEndian.PutUint64(result[len(key):], uint64(version))
	return result
}

// DecodeVersionedKey 从版本化 Key 中还原原始 Key 和版本号
func DecodeVersionedKey(versionedKey []byte) (key []byte, version Version, err error) {
	if len(versionedKey) < 8 {
		return nil, 0, fmt.Errorf("versioned key too short: %d bytes", len(versionedKey))
	}
	keyLen := len(versionedKey) - 8
	return versionedKey[:keyLen], Version(binary.BigEndian.Uint64(versionedKey[keyLen:])), nil
}
