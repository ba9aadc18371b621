package merkle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"glacier/store"
)

// ============================================
// 版本化默克尔树
// ============================================

var (
	// ErrStaleVersion 提交版本号不大于当前最新版本
	ErrStaleVersion = errors.New("stale version")
	// ErrEmptyTree 空树上无法生成成员证明
	ErrEmptyTree = errors.New("empty tree")
)

const (
	rootKeyPrefix  = "root:v"
	latestRootKey  = "root:latest"
	staleKeyPrefix = "stale:"

	defaultNodeCacheSize = 65536
)

// rootKey 根哈希的存储键: "root:v" + 8 字节 Big-Endian 版本
func rootKey(version store.Version) []byte {
	buf := make([]byte, len(rootKeyPrefix)+8)
	copy(buf, rootKeyPrefix)
	binary.BigEndian.PutUint64(buf[len(rootKeyPrefix):], uint64(version))
	return buf
}

// staleKey 过期节点索引键: "stale:" + 8 字节失效版本 + 节点哈希。
// 节点在版本 V 被替换后，对 >= V 的所有根不可达，清理时按此索引物理删除。
func staleKey(version store.Version, nodeHash []byte) []byte {
	buf := make([]byte, len(staleKeyPrefix)+8+len(nodeHash))
	copy(buf, staleKeyPrefix)
	binary.BigEndian.PutUint64(buf[len(staleKeyPrefix):], uint64(version))
	copy(buf[len(staleKeyPrefix)+8:], nodeHash)
	return buf
}

// decodeStaleKey 还原失效版本与节点哈希
func decodeStaleKey(key []byte) (store.Version, []byte, bool) {
	if len(key) <= len(staleKeyPrefix)+8 {
		return 0, nil, false
	}
	v := store.Version(binary.BigEndian.Uint64(key[len(staleKeyPrefix) : len(staleKeyPrefix)+8]))
	return v, key[len(staleKeyPrefix)+8:], true
}

// nodeGetter 节点读取来源：存储本体或会话
type nodeGetter interface {
	Get(key []byte, version store.Version) ([]byte, error)
}

// BatchEntry 一次批量应用中的单条账户变更
type BatchEntry struct {
	Path     []byte // sha256(账户键)
	DataHash []byte // 账户数据的规范哈希，Delete 时忽略
	Insert   bool   // 新建账户（键此前不存在）
	Delete   bool   // 删除账户
}

// batchCtx 单次批量应用的工作上下文
type batchCtx struct {
	session store.VersionedStoreSession
	version store.Version
	stale   [][]byte // 本版本失效的节点哈希
}

func (c *batchCtx) markStale(nodeHash []byte) {
	c.stale = append(c.stale, nodeHash)
}

// Tree 版本化 16 叉默克尔树。
// 节点内容寻址存储（键 = 节点哈希），每次批量应用产生一个新版本的根。
// 写路径单写者串行，读路径可并发。
type Tree struct {
	store store.VersionedStore
	cache *lru.Cache[string, []byte] // 节点哈希 -> 编码后节点，内容寻址所以跨版本安全

	mu       sync.RWMutex
	roots    map[store.Version][]byte
	order    []store.Version // roots 的淘汰顺序（升序）
	retained int
	latest   store.Version
}

// NewTree 创建树并从存储恢复最近的根历史。
// retained 为内存中保留的历史根数量，0 使用默认值 128。
func NewTree(kv store.VersionedStore, retained int, cacheSize int) (*Tree, error) {
	if retained <= 0 {
		retained = 128
	}
	if cacheSize <= 0 {
		cacheSize = defaultNodeCacheSize
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		store:    kv,
		cache:    cache,
		roots:    make(map[store.Version][]byte),
		retained: retained,
	}
	if err := t.recoverRoots(); err != nil {
		return nil, err
	}
	return t, nil
}

// recoverRoots 从存储加载最新版本号及保留窗口内的根
func (t *Tree) recoverRoots() error {
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

	start := store.Version(1)
	if t.latest > store.Version(t.retained) {
		start = t.latest - store.Version(t.retained) + 1
	}
	for v := start; v <= t.latest; v++ {
		root, err := t.store.Get(rootKey(v), v)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionNotFound) {
			continue // 已被清理的历史版本
		}
		if err != nil {
			return fmt.Errorf("recover root at version %d: %w", v, err)
		}
		t.roots[v] = root
		t.order = append(t.order, v)
	}
	return nil
}

// ============================================
// 写路径
// ============================================

// ApplyBatch 在 version 上原子应用一批变更并返回新根。
// 任何一条失败则整批回滚，树状态不变。
func (t *Tree) ApplyBatch(version store.Version, entries []BatchEntry) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if version <= t.latest {
		return nil, fmt.Errorf("%w: version %d, latest %d", ErrStaleVersion, version, t.latest)
	}

	session, err := t.store.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	ctx := &batchCtx{session: session, version: version}
	root := t.currentRootLocked()
	for _, e := range entries {
		if len(e.Path) != PathSize {
			return nil, fmt.Errorf("invalid path length %d", len(e.Path))
		}
		if e.Delete {
			root, err = t.deleteAt(ctx, root, e.Path, 0)
		} else {
			if !e.Insert {
				// 盲更新校验：键必须已存在
				if _, gerr := t.getAt(session, root, e.Path, version); gerr != nil {
					return nil, fmt.Errorf("update missing key %x: %w", e.Path[:4], gerr)
				}
			}
			root, err = t.insertAt(ctx, root, e.Path, e.DataHash, 0)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, h := range ctx.stale {
		if err := session.Set(staleKey(version, h), []byte{1}, version); err != nil {
			return nil, err
		}
	}

	if err := session.Set(rootKey(version), root, version); err != nil {
		return nil, err
	}
	latestBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(latestBuf, uint64(version))
	if err := session.Set([]byte(latestRootKey), latestBuf, version); err != nil {
		return nil, err
	}

	if err := session.Commit(); err != nil {
		return nil, fmt.Errorf("commit version %d: %w", version, err)
	}

	t.latest = version
	t.roots[version] = root
	t.order = append(t.order, version)
	for len(t.order) > t.retained {
		delete(t.roots, t.order[0])
		t.order = t.order[1:]
	}
	return root, nil
}

// currentRootLocked 最新根；空树返回占位哈希
func (t *Tree) currentRootLocked() []byte {
	if t.latest == 0 {
		return Placeholder
	}
	if root, ok := t.roots[t.latest]; ok {
		return root
	}
	root, err := t.store.Get(rootKey(t.latest), t.latest)
	if err != nil {
		return Placeholder
	}
	return root
}

// insertAt 递归插入，返回新子树根哈希
func (t *Tree) insertAt(ctx *batchCtx, nodeHash []byte, path, dataHash []byte, depth int) ([]byte, error) {
	if isPlaceholder(nodeHash) {
		return t.writeNode(ctx, (&LeafNode{Path: path, DataHash: dataHash}).Encode())
	}

	node, err := t.loadNode(ctx.session, nodeHash, ctx.version)
	if err != nil {
		return nil, err
	}

	switch n := node.(type) {
	case *LeafNode:
		if bytes.Equal(n.Path, path) {
			// 同键覆盖，旧叶失效
			ctx.markStale(nodeHash)
			return t.writeNode(ctx, (&LeafNode{Path: path, DataHash: dataHash}).Encode())
		}
		// 路径冲突分裂时旧叶被新分叉引用，仍然存活
		return t.splitLeaf(ctx, n, nodeHash, path, dataHash, depth)

	case *InternalNode:
		if depth >= MaxDepth {
			return nil, fmt.Errorf("max depth %d exceeded", MaxDepth)
		}
		nib := getNibbleAt(path, depth)
		child := n.GetChild(nib)
		newChild, err := t.insertAt(ctx, child, path, dataHash, depth+1)
		if err != nil {
			return nil, err
		}
		ctx.markStale(nodeHash)
		clone := &InternalNode{
			ChildBitmap: n.ChildBitmap,
			Children:    append([][]byte(nil), n.Children...),
		}
		clone.SetChild(nib, newChild)
		return t.writeNode(ctx, clone.Encode())

	default:
		return nil, ErrInvalidNodeEncoding
	}
}

// splitLeaf 两个叶子路径冲突时分裂：在首个不同 nibble 处建立分叉，
// 中间公共前缀各层补单孩子内部节点。
func (t *Tree) splitLeaf(ctx *batchCtx, existing *LeafNode, existingHash []byte, path, dataHash []byte, depth int) ([]byte, error) {
	forkDepth := depth
	for forkDepth < MaxDepth && getNibbleAt(existing.Path, forkDepth) == getNibbleAt(path, forkDepth) {
		forkDepth++
	}
	if forkDepth >= MaxDepth {
		return nil, fmt.Errorf("path collision at %x", path[:8])
	}

	newLeafHash, err := t.writeNode(ctx, (&LeafNode{Path: path, DataHash: dataHash}).Encode())
	if err != nil {
		return nil, err
	}

	fork := &InternalNode{}
	fork.SetChild(getNibbleAt(existing.Path, forkDepth), existingHash)
	fork.SetChild(getNibbleAt(path, forkDepth), newLeafHash)
	cur, err := t.writeNode(ctx, fork.Encode())
	if err != nil {
		return nil, err
	}

	for d := forkDepth - 1; d >= depth; d-- {
		wrap := &InternalNode{}
		wrap.SetChild(getNibbleAt(path, d), cur)
		cur, err = t.writeNode(ctx, wrap.Encode())
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// deleteAt 递归删除，返回新子树根哈希；子树删空返回占位哈希。
// 内部节点仅剩一个叶子孩子时将其上提，消除冗余层级。
func (t *Tree) deleteAt(ctx *batchCtx, nodeHash []byte, path []byte, depth int) ([]byte, error) {
	if isPlaceholder(nodeHash) {
		return nil, store.ErrNotFound
	}

	node, err := t.loadNode(ctx.session, nodeHash, ctx.version)
	if err != nil {
		return nil, err
	}

	switch n := node.(type) {
	case *LeafNode:
		if !bytes.Equal(n.Path, path) {
			return nil, store.ErrNotFound
		}
		ctx.markStale(nodeHash)
		return Placeholder, nil

	case *InternalNode:
		nib := getNibbleAt(path, depth)
		child := n.GetChild(nib)
		if child == nil {
			return nil, store.ErrNotFound
		}
		newChild, err := t.deleteAt(ctx, child, path, depth+1)
		if err != nil {
			return nil, err
		}

		ctx.markStale(nodeHash)
		clone := &InternalNode{
			ChildBitmap: n.ChildBitmap,
			Children:    append([][]byte(nil), n.Children...),
		}
		if isPlaceholder(newChild) {
			clone.RemoveChild(nib)
		} else {
			clone.SetChild(nib, newChild)
		}

		if clone.ChildCount() == 0 {
			return Placeholder, nil
		}
		if _, loneHash, ok := clone.OnlyChild(); ok {
			loneNode, err := t.loadNode(ctx.session, loneHash, ctx.version)
			if err != nil {
				return nil, err
			}
			if _, isLeaf := loneNode.(*LeafNode); isLeaf {
				return loneHash, nil
			}
		}
		return t.writeNode(ctx, clone.Encode())

	default:
		return nil, ErrInvalidNodeEncoding
	}
}

// ============================================
// 读路径
// ============================================

// Root 最新版本的根哈希
func (t *Tree) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentRootLocked()
}

// LatestVersion 最新已提交版本
func (t *Tree) LatestVersion() store.Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// RootAt 指定版本的根哈希。内存窗口未命中时回退存储查询。
func (t *Tree) RootAt(version store.Version) ([]byte, error) {
	t.mu.RLock()
	if root, ok := t.roots[version]; ok {
		t.mu.RUnlock()
		return root, nil
	}
	t.mu.RUnlock()

	root, err := t.store.Get(rootKey(version), version)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionNotFound) {
		return nil, store.ErrVersionNotFound
	}
	return root, err
}

// Get 查询指定版本下某路径的账户数据哈希
func (t *Tree) Get(path []byte, version store.Version) ([]byte, error) {
	root, err := t.rootForRead(version)
	if err != nil {
		return nil, err
	}
	return t.getAt(t.store, root, path, version)
}

// Contains 指定版本下路径是否存在
func (t *Tree) Contains(path []byte, version store.Version) (bool, error) {
	_, err := t.Get(path, version)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) rootForRead(version store.Version) ([]byte, error) {
	if version == 0 {
		t.mu.RLock()
		defer t.mu.RUnlock()
		if t.latest == 0 {
			return Placeholder, nil
		}
		return t.currentRootLocked(), nil
	}
	return t.RootAt(version)
}

// getAt 从给定根向下走 nibble 路径
func (t *Tree) getAt(g nodeGetter, root []byte, path []byte, version store.Version) ([]byte, error) {
	cur := root
	for depth := 0; ; depth++ {
		if isPlaceholder(cur) {
			return nil, store.ErrNotFound
		}
		node, err := t.loadNode(g, cur, version)
		if err != nil {
			return nil, err
		}
		switch n := node.(type) {
		case *LeafNode:
			if bytes.Equal(n.Path, path) {
				return n.DataHash, nil
			}
			return nil, store.ErrNotFound
		case *InternalNode:
			if depth >= MaxDepth {
				return nil, fmt.Errorf("max depth %d exceeded", MaxDepth)
			}
			cur = n.GetChild(getNibbleAt(path, depth))
			if cur == nil {
				return nil, store.ErrNotFound
			}
		default:
			return nil, ErrInvalidNodeEncoding
		}
	}
}

// Prove 生成指定版本下某路径的成员证明
func (t *Tree) Prove(path []byte, version store.Version) (*Proof, error) {
	root, err := t.rootForRead(version)
	if err != nil {
		return nil, err
	}
	if isPlaceholder(root) {
		return nil, ErrEmptyTree
	}

	proof := &Proof{}
	cur := root
	for depth := 0; ; depth++ {
		node, err := t.loadNode(t.store, cur, version)
		if err != nil {
			return nil, err
		}
		switch n := node.(type) {
		case *LeafNode:
			if !bytes.Equal(n.Path, path) {
				return nil, store.ErrNotFound
			}
			return proof, nil
		case *InternalNode:
			if depth >= MaxDepth {
				return nil, fmt.Errorf("max depth %d exceeded", MaxDepth)
			}
			nib := getNibbleAt(path, depth)
			child := n.GetChild(nib)
			if child == nil {
				return nil, store.ErrNotFound
			}
			proof.Levels = append(proof.Levels, ExtractSiblings(n, nib))
			cur = child
		default:
			return nil, ErrInvalidNodeEncoding
		}
	}
}

// ============================================
// 历史清理
// ============================================

// Prune 物理删除对 cutoff 之后所有根都不可达的历史数据：
// 失效版本 < cutoff 的过期节点、版本 < cutoff 的历史根。
// 清理后 RootAt(v < cutoff) 不再可用。
func (t *Tree) Prune(cutoff store.Version) error {
	t.mu.Lock()
	if cutoff > t.latest {
		t.mu.Unlock()
		return fmt.Errorf("prune cutoff %d beyond latest version %d", cutoff, t.latest)
	}
	for len(t.order) > 0 && t.order[0] < cutoff {
		delete(t.roots, t.order[0])
		t.order = t.order[1:]
	}
	t.mu.Unlock()

	type staleRef struct {
		since store.Version
		hash  []byte
	}
	var refs []staleRef
	err := t.store.Scan([]byte(staleKeyPrefix), func(key []byte, _ store.Version) bool {
		since, hash, ok := decodeStaleKey(key)
		if ok && since < cutoff {
			refs = append(refs, staleRef{since: since, hash: append([]byte(nil), hash...)})
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("scan stale index: %w", err)
	}

	for _, r := range refs {
		// 节点在 r.since 失效，更晚版本若重建过同一内容则保留
		if err := t.store.Purge(r.hash, r.since); err != nil {
			return fmt.Errorf("purge stale node: %w", err)
		}
		t.cache.Remove(string(r.hash))
		if err := t.store.Purge(staleKey(r.since, r.hash), cutoff); err != nil {
			return fmt.Errorf("purge stale entry: %w", err)
		}
	}

	var oldRoots []store.Version
	err = t.store.Scan([]byte(rootKeyPrefix), func(key []byte, _ store.Version) bool {
		if len(key) == len(rootKeyPrefix)+8 {
			v := store.Version(binary.BigEndian.Uint64(key[len(rootKeyPrefix):]))
			if v < cutoff {
				oldRoots = append(oldRoots, v)
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("scan roots: %w", err)
	}
	for _, v := range oldRoots {
		if err := t.store.Purge(rootKey(v), cutoff); err != nil {
			return fmt.Errorf("purge root %d: %w", v, err)
		}
	}
	return t.store.Purge([]byte(latestRootKey), cutoff)
}

// Close 关闭底层存储
func (t *Tree) Close() error {
	return t.store.Close()
}

// ============================================
// 节点读写
// ============================================

// writeNode 写入节点并返回其哈希（内容寻址）
func (t *Tree) writeNode(ctx *batchCtx, encoded []byte) ([]byte, error) {
	h := digest(encoded)
	if err := ctx.session.Set(h, encoded, ctx.version); err != nil {
		return nil, err
	}
	t.cache.Add(string(h), encoded)
	return h, nil
}

// loadNode 读取并解码节点，缓存按哈希命中（节点不可变）
func (t *Tree) loadNode(g nodeGetter, nodeHash []byte, version store.Version) (interface{}, error) {
	if encoded, ok := t.cache.Get(string(nodeHash)); ok {
		return DecodeNode(encoded)
	}
	encoded, err := g.Get(nodeHash, version)
	if err != nil {
		return nil, fmt.Errorf("load node %x: %w", nodeHash[:4], err)
	}
	t.cache.Add(string(nodeHash), encoded)
	return DecodeNode(encoded)
}

func isPlaceholder(h []byte) bool {
	if len(h) == 0 {
		return true
	}
	return bytes.Equal(h, Placeholder)
}
