package verkle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	gverkle "github.com/ethereum/go-verkle"
	lru "github.com/hashicorp/golang-lru/v2"

	"glacier/store"
)

// ============================================
// Verkle Tree 适配层
// 使用 github.com/ethereum/go-verkle 库实现 256 叉 Verkle Tree
// ============================================

const (
	// CommitmentSize Pedersen 承诺大小 (32 字节)
	CommitmentSize = 32
	// StemSize Stem 大小 (31 字节)
	StemSize = 31
	// StemWidth 单个 stem 下的后缀槽位数
	StemWidth = 256

	defaultNodeCacheSize = 16384
	defaultRetained      = 128
)

// 存储键布局
const (
	nodePrefix     = "node:"      // + 节点路径 -> 序列化节点（版本化）
	stemPrefix     = "stem:"      // + stem -> 台账记录（版本化）
	rootKeyPrefix  = "root:v"     // + BE8(版本) -> 根承诺
	rootNodePrefix = "rootnode:v" // + BE8(版本) -> 序列化根节点
	latestRootKey  = "root:latest"
)

var (
	// ErrStaleVersion 提交版本号不大于当前最新版本
	ErrStaleVersion = errors.New("stale version")
	// ErrNotFound Key 在该高度不存在
	ErrNotFound = errors.New("key not found")
)

func nodeKey(path []byte) []byte {
	k := make([]byte, len(nodePrefix)+len(path))
	copy(k, nodePrefix)
	copy(k[len(nodePrefix):], path)
	return k
}

func stemRecordKey(stem [StemSize]byte) []byte {
	k := make([]byte, len(stemPrefix)+StemSize)
	copy(k, stemPrefix)
	copy(k[len(stemPrefix):], stem[:])
	return k
}

func rootKey(v store.Version) []byte {
	k := make([]byte, len(rootKeyPrefix)+8)
	copy(k, rootKeyPrefix)
	binary.BigEndian.PutUint64(k[len(rootKeyPrefix):], uint64(v))
	return k
}

func rootNodeKey(v store.Version) []byte {
	k := make([]byte, len(rootNodePrefix)+8)
	copy(k, rootNodePrefix)
	binary.BigEndian.PutUint64(k[len(rootNodePrefix):], uint64(v))
	return k
}

func be8(v store.Version) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func splitVKey(vkey [32]byte) ([StemSize]byte, byte) {
	var stem [StemSize]byte
	copy(stem[:], vkey[:StemSize])
	return stem, vkey[StemSize]
}

// BatchOp 单条树操作
type BatchOp struct {
	// VKey 32 字节 Verkle Key：stem 31 字节 + 后缀 1 字节
	VKey [32]byte
	// Value 32 字节数据哈希；Delete 时忽略
	Value []byte
	// Insert 允许创建新 Key
	Insert bool
	// Delete 删除 Key
	Delete bool
}

// epoch 单个版本的快照：根承诺 + 顶层节点在内存、深层为 HashedNode 的树
type epoch struct {
	root [32]byte
	tree gverkle.VerkleNode
}

// Tree go-verkle 的版本化包装。每个版本发布为解析后的根节点，
// 全部子树按路径懒加载，节点记录版本化落库；stem 台账维护
// 后缀占用位图与增量 Pedersen 指纹，驱动整叶回收。
// 写路径单写者串行；读路径因懒加载会改写内存结构，同样走互斥。
type Tree struct {
	mu       sync.Mutex
	store    store.VersionedStore
	cache    *lru.Cache[string, []byte] // 版本+路径 -> 序列化节点
	pedersen *StemCommitter
	ledger   *stemLedger

	cur      gverkle.VerkleNode
	epochs   map[store.Version]*epoch
	order    []store.Version // epochs 的淘汰顺序（升序）
	retained int
	latest   store.Version
}

// NewTree 创建树并从存储恢复最新状态与 stem 台账
func NewTree(kv store.VersionedStore, retained int, cacheSize int) (*Tree, error) {
	if retained <= 0 {
		retained = defaultRetained
	}
	if cacheSize <= 0 {
		cacheSize = defaultNodeCacheSize
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	pedersen, err := NewStemCommitter()
	if err != nil {
		return nil, fmt.Errorf("init pedersen committer: %w", err)
	}

	t := &Tree{
		store:    kv,
		cache:    cache,
		pedersen: pedersen,
		ledger:   newStemLedger(),
		cur:      gverkle.New(),
		epochs:   make(map[store.Version]*epoch),
		retained: retained,
	}
	if err := t.recover(); err != nil {
		return nil, err
	}
	return t, nil
}

// recover 从存储加载最新版本号、根节点与台账
func (t *Tree) recover() error {
	raw, err := t.store.Get([]byte(latestRootKey), 0)
	if errors.Is(err, store.ErrNotFound) {
		return nil // 全新的树
	}
	if err != nil {
		return fmt.Errorf("recover latest version: %w", err)
	}
	if len(raw) != 8 {
		return fmt.Errorf("corrupt latest version record: %d bytes", len(raw))
	}
	t.latest = store.Version(binary.BigEndian.Uint64(raw))

	rootSer, err := t.store.Get(rootNodeKey(t.latest), t.latest)
	if err != nil {
		return fmt.Errorf("recover root node at %d: %w", t.latest, err)
	}
	node, err := gverkle.ParseNode(rootSer, 0)
	if err != nil {
		return fmt.Errorf("parse root node at %d: %w", t.latest, err)
	}
	t.cur = node

	rootC, err := t.store.Get(rootKey(t.latest), t.latest)
	if err != nil {
		return fmt.Errorf("recover root commitment at %d: %w", t.latest, err)
	}
	if len(rootC) != CommitmentSize {
		return fmt.Errorf("corrupt root commitment at %d: %d bytes", t.latest, len(rootC))
	}
	ep := &epoch{tree: node}
	copy(ep.root[:], rootC)
	t.epochs[t.latest] = ep
	t.order = append(t.order, t.latest)

	return t.ledger.recover(t.store)
}

// resolverAt 按路径懒加载节点，读取该版本当时有效的记录
func (t *Tree) resolverAt(version store.Version) gverkle.NodeResolverFn {
	return func(path []byte) ([]byte, error) {
		ck := string(be8(version)) + string(path)
		if data, ok := t.cache.Get(ck); ok {
			return data, nil
		}
		data, err := t.store.Get(nodeKey(path), version)
		if err != nil {
			return nil, fmt.Errorf("resolve node %x at version %d: %w", path, version, err)
		}
		t.cache.Add(ck, data)
		return data, nil
	}
}

// ApplyBatch 在新版本上原子应用一批操作并返回根承诺。
// 任一条失败则整批丢弃：树副本废弃、会话回滚、台账不动。
func (t *Tree) ApplyBatch(version store.Version, ops []BatchOp) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if version == 0 || version <= t.latest {
		return nil, fmt.Errorf("%w: version %d, latest %d", ErrStaleVersion, version, t.latest)
	}

	session, err := t.store.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	next := t.cur.Copy()
	resolver := t.resolverAt(t.latest)
	staged := make(map[[StemSize]byte]*stemEntry)

	for _, op := range ops {
		stem, suffix := splitVKey(op.VKey)

		old, err := next.Get(op.VKey[:], resolver)
		if err != nil {
			return nil, fmt.Errorf("read %x: %w", op.VKey, err)
		}
		exists := len(old) > 0

		if op.Delete {
			if !exists {
				return nil, fmt.Errorf("%w: delete %x", ErrNotFound, op.VKey)
			}
			entry := t.stagedEntry(staged, stem)
			if entry == nil {
				// 台账缺失时按树内容重建该 stem
				entry = &stemEntry{commit: t.pedersen.ZeroCommitment()}
				entry.set(suffix)
				if entry.commit, err = t.pedersen.Update(entry.commit, int(suffix), old, nil); err != nil {
					return nil, err
				}
			}
			entry.clear(suffix)
			if entry.commit, err = t.pedersen.Update(entry.commit, int(suffix), nil, old); err != nil {
				return nil, err
			}
			if entry.live() == 0 {
				// 最后一个后缀：整叶回收
				inner, ok := next.(*gverkle.InternalNode)
				if !ok {
					return nil, fmt.Errorf("delete stem %x: unexpected root node type", stem)
				}
				if _, err := inner.DeleteAtStem(stem[:], resolver); err != nil {
					return nil, fmt.Errorf("delete stem %x: %w", stem, err)
				}
				staged[stem] = nil
			} else {
				if _, err := next.Delete(op.VKey[:], resolver); err != nil {
					return nil, fmt.Errorf("delete %x: %w", op.VKey, err)
				}
				staged[stem] = entry
			}
			continue
		}

		if !exists && !op.Insert {
			return nil, fmt.Errorf("%w: update %x", ErrNotFound, op.VKey)
		}
		if exists && bytes.Equal(old, op.Value) {
			continue // 值未变，跳过树写入
		}
		if err := next.Insert(op.VKey[:], op.Value, resolver); err != nil {
			return nil, fmt.Errorf("insert %x: %w", op.VKey, err)
		}
		entry := t.stagedEntry(staged, stem)
		if entry == nil {
			entry = &stemEntry{commit: t.pedersen.ZeroCommitment()}
		}
		entry.set(suffix)
		if entry.commit, err = t.pedersen.Update(entry.commit, int(suffix), op.Value, old); err != nil {
			return nil, err
		}
		staged[stem] = entry
	}

	next.Commit()
	rootC := next.Commitment().Bytes()

	// 全部实体化节点按路径落库。BatchSerialize 给出的 Path 与
	// 懒加载回调收到的 path 同构，存取两侧天然对齐。
	inner, ok := next.(*gverkle.InternalNode)
	if !ok {
		return nil, fmt.Errorf("apply version %d: root is not an internal node", version)
	}
	nodes, err := inner.BatchSerialize()
	if err != nil {
		return nil, fmt.Errorf("serialize nodes: %w", err)
	}
	var rootSer []byte
	for _, nd := range nodes {
		if len(nd.Path) == 0 {
			rootSer = nd.SerializedBytes
			continue
		}
		if err := session.Set(nodeKey(nd.Path), nd.SerializedBytes, version); err != nil {
			return nil, fmt.Errorf("persist node %x: %w", nd.Path, err)
		}
	}
	if rootSer == nil {
		// 批次未触及任何节点时根记录不在输出里，沿用上一版本的记录
		rootSer, err = t.store.Get(rootNodeKey(t.latest), t.latest)
		if err != nil {
			return nil, fmt.Errorf("carry root node record: %w", err)
		}
	}

	for stem, entry := range staged {
		if entry == nil {
			if err := session.Delete(stemRecordKey(stem), version); err != nil {
				return nil, fmt.Errorf("tombstone stem %x: %w", stem, err)
			}
		} else {
			if err := session.Set(stemRecordKey(stem), entry.encode(), version); err != nil {
				return nil, fmt.Errorf("write stem %x: %w", stem, err)
			}
		}
	}

	// 根节点本体也要落库，历史高度重建和重启恢复都从这里出发
	if err := session.Set(rootNodeKey(version), rootSer, version); err != nil {
		return nil, err
	}
	if err := session.Set(rootKey(version), rootC[:], version); err != nil {
		return nil, err
	}
	if err := session.Set([]byte(latestRootKey), be8(version), version); err != nil {
		return nil, err
	}

	// 新状态以解析后的根发布：子树退化为按路径懒加载的占位节点，
	// 内存占用不随版本数增长
	published, err := gverkle.ParseNode(rootSer, 0)
	if err != nil {
		return nil, fmt.Errorf("reparse root node: %w", err)
	}

	if err := session.Commit(); err != nil {
		return nil, fmt.Errorf("commit version %d: %w", version, err)
	}

	t.ledger.applyStaged(staged)
	t.cur = published
	t.latest = version
	t.epochs[version] = &epoch{root: rootC, tree: published}
	t.order = append(t.order, version)
	for len(t.order) > t.retained {
		delete(t.epochs, t.order[0])
		t.order = t.order[1:]
	}

	out := make([]byte, CommitmentSize)
	copy(out, rootC[:])
	return out, nil
}

// stagedEntry 取 stem 的暂存副本；首次触碰时从主表克隆
func (t *Tree) stagedEntry(staged map[[StemSize]byte]*stemEntry, stem [StemSize]byte) *stemEntry {
	if e, ok := staged[stem]; ok {
		return e
	}
	if e, ok := t.ledger.get(stem); ok {
		c := e.clone()
		staged[stem] = c
		return c
	}
	return nil
}

// epochAt 取指定版本的快照；窗口外尝试从落库的根节点重建
func (t *Tree) epochAt(version store.Version) (*epoch, gverkle.NodeResolverFn, error) {
	if version == 0 {
		version = t.latest
	}
	if ep, ok := t.epochs[version]; ok {
		return ep, t.resolverAt(version), nil
	}

	rootSer, err := t.store.Get(rootNodeKey(version), version)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionNotFound) {
		return nil, nil, store.ErrVersionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load root node at %d: %w", version, err)
	}
	node, err := gverkle.ParseNode(rootSer, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root node at %d: %w", version, err)
	}
	rootC, err := t.store.Get(rootKey(version), version)
	if err != nil {
		return nil, nil, fmt.Errorf("load root commitment at %d: %w", version, err)
	}
	if len(rootC) != CommitmentSize {
		return nil, nil, fmt.Errorf("corrupt root commitment at %d: %d bytes", version, len(rootC))
	}
	ep := &epoch{tree: node}
	copy(ep.root[:], rootC)
	return ep, t.resolverAt(version), nil
}

// Get 获取指定版本下 Key 的值；version 为 0 表示最新版本
func (t *Tree) Get(vkey [32]byte, version store.Version) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep, resolver, err := t.epochAt(version)
	if err != nil {
		return nil, err
	}
	val, err := ep.tree.Get(vkey[:], resolver)
	if err != nil {
		return nil, fmt.Errorf("read %x: %w", vkey, err)
	}
	if len(val) == 0 {
		return nil, ErrNotFound
	}
	return val, nil
}

// Contains Key 在指定版本是否存在
func (t *Tree) Contains(vkey [32]byte, version store.Version) (bool, error) {
	_, err := t.Get(vkey, version)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Root 当前根承诺
func (t *Tree) Root() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.epochs[t.latest]; ok {
		out := make([]byte, CommitmentSize)
		copy(out, ep.root[:])
		return out
	}
	c := t.cur.Commitment()
	if c == nil {
		return make([]byte, CommitmentSize)
	}
	raw := c.Bytes()
	return raw[:]
}

// LatestVersion 当前最新版本号
func (t *Tree) LatestVersion() store.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// RootAt 指定版本的根承诺；窗口内查内存，窗口外回落到存储
func (t *Tree) RootAt(version store.Version) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep, ok := t.epochs[version]; ok {
		out := make([]byte, CommitmentSize)
		copy(out, ep.root[:])
		return out, nil
	}
	rootC, err := t.store.Get(rootKey(version), version)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionNotFound) {
		return nil, store.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return rootC, nil
}

// Prove 生成指定版本下单 Key 的成员证明（多点证明 + 状态差异封装）
func (t *Tree) Prove(vkey [32]byte, version store.Version) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep, resolver, err := t.epochAt(version)
	if err != nil {
		return nil, err
	}
	val, err := ep.tree.Get(vkey[:], resolver)
	if err != nil {
		return nil, fmt.Errorf("read %x: %w", vkey, err)
	}
	if len(val) == 0 {
		return nil, ErrNotFound
	}

	proof, _, _, _, err := gverkle.MakeVerkleMultiProof(ep.tree, ep.tree, [][]byte{vkey[:]}, resolver)
	if err != nil {
		return nil, fmt.Errorf("make multiproof: %w", err)
	}
	vp, diff, err := gverkle.SerializeProof(proof)
	if err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}
	return encodeProofEnvelope(vp, diff)
}

// StemFingerprint 指定账户 stem 的增量 Pedersen 承诺，供外部一致性核对
func (t *Tree) StemFingerprint(stem [StemSize]byte) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ledger.get(stem)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.commit...), true
}

// Prune 丢弃早于 cutoff 的版本：内存窗口收缩，
// 存储里被新版本取代的节点记录与过期的根记录物理删除。
func (t *Tree) Prune(cutoff store.Version) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cutoff > t.latest {
		return fmt.Errorf("prune cutoff %d beyond latest %d", cutoff, t.latest)
	}

	for len(t.order) > 0 && t.order[0] < cutoff {
		delete(t.epochs, t.order[0])
		t.order = t.order[1:]
	}

	// 路径键的节点与 stem 记录：每个键保留 <= cutoff 的最新版本，
	// 它对 cutoff 之后的高度仍然有效，更早的版本已无人引用。
	for _, prefix := range []string{nodePrefix, stemPrefix} {
		keep := make(map[string]store.Version)
		err := t.store.Scan([]byte(prefix), func(key []byte, v store.Version) bool {
			if v <= cutoff {
				if cur, ok := keep[string(key)]; !ok || v > cur {
					keep[string(key)] = v
				}
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("scan %q: %w", prefix, err)
		}
		for key, v := range keep {
			if err := t.store.Purge([]byte(key), v); err != nil {
				return fmt.Errorf("purge %x: %w", key, err)
			}
		}
	}

	// 版本键的根记录：cutoff 之前的直接删除
	for _, prefix := range []string{rootKeyPrefix, rootNodePrefix} {
		var stale [][]byte
		err := t.store.Scan([]byte(prefix), func(key []byte, v store.Version) bool {
			if v < cutoff {
				stale = append(stale, append([]byte(nil), key...))
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("scan %q: %w", prefix, err)
		}
		for _, key := range stale {
			if err := t.store.Purge(key, cutoff); err != nil {
				return fmt.Errorf("purge root record %x: %w", key, err)
			}
		}
	}

	return t.store.Purge([]byte(latestRootKey), cutoff)
}

// Close 关闭底层存储
func (t *Tree) Close() error {
	return t.store.Close()
}
