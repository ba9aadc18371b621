// commitment/engine.go
// 承诺引擎：三种承诺方案之上的统一门面，负责批规范化、
// 单写者落账与高度→根的转移历史。
package commitment

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"glacier/config"
	"glacier/interfaces"
	"glacier/kzg"
	"glacier/logs"
	"glacier/merkle"
	"glacier/store"
	"glacier/types"
	"glacier/verkle"
)

// Update 一条承诺变更。引擎落账前做规范化：按键排序、
// 合并重复、检测冲突，同一账户集无论批内顺序如何根都一致。
type Update = interfaces.SchemeEntry

// ============================================
// 引擎
// ============================================

// Engine 承诺引擎。
//   - 写路径单写者：Build/Update/Prune 串行执行，高度逐块推进；
//   - 读路径（RootAt/Prove/Contains/转移链查询）并发安全；
//   - 任何写失败零副作用：方案整批回滚，根历史只在成功后推进。
type Engine struct {
	scheme interfaces.Scheme

	mu     sync.RWMutex
	hist   *rootHistory
	last   types.Hash // 最近一次成功落账的根
	latest uint64     // 最近一次成功落账的高度，0 = 本进程尚未落账
}

// NewEngine 在给定方案上构建引擎。retained 为进程内根历史容量。
func NewEngine(scheme interfaces.Scheme, retained int) *Engine {
	return &Engine{
		scheme: scheme,
		hist:   newRootHistory(retained),
	}
}

// Open 按配置装配方案并构建引擎。merkle/verkle 的版本化节点
// 落在 kv 上；kzg 全驻内存不碰 kv，重启由调用方重放重建。
func Open(cfg config.CommitmentConfig, kv store.VersionedStore) (*Engine, error) {
	id, err := types.ParseScheme(cfg.Scheme)
	if err != nil {
		return nil, err
	}
	retained := int(cfg.RetainedHeights)

	var scheme interfaces.Scheme
	switch id {
	case types.SchemeMerkle:
		scheme, err = merkle.NewScheme(kv, retained, 0)
	case types.SchemeKZG:
		scheme, err = kzg.NewScheme(int(cfg.KZGSegmentSize), retained)
	case types.SchemeVerkle:
		scheme, err = verkle.NewScheme(kv, retained, cfg.VerkleNodeCacheSize)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s scheme: %w", id, err)
	}
	return NewEngine(scheme, retained), nil
}

// SchemeID 当前方案标识
func (e *Engine) SchemeID() types.SchemeID {
	return e.scheme.ID()
}

// ============================================
// 写路径
// ============================================

// Build 以全量账户集初始化累加器并返回初始根。
// 引导（创世或重放起点）用，height 必须大于 0。
func (e *Engine) Build(height uint64, accounts []*types.Account) (types.Hash, error) {
	batch := make([]Update, 0, len(accounts))
	for _, acct := range accounts {
		batch = append(batch, Update{
			Key:       acct.Key,
			ValueHash: acct.DataDigest(),
			Insert:    true,
		})
	}
	return e.apply("build", height, batch)
}

// Update 原子应用一个区块的全部变更并返回新根。
// 空批合法：根不变、高度照常推进。键外更新（盲更新）、
// 同键冲突、高度断档都以 *CommitmentError 返回。
func (e *Engine) Update(height uint64, batch []Update) (types.Hash, error) {
	return e.apply("update", height, batch)
}

func (e *Engine) apply(op string, height uint64, batch []Update) (types.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 高度逐块推进，转移链依赖区间内无断档
	if e.latest != 0 && height != e.latest+1 {
		return types.Hash{}, &CommitmentError{Op: op, Height: height,
			Err: fmt.Errorf("height gap: latest applied %d", e.latest)}
	}

	canon, err := canonicalize(batch)
	if err != nil {
		return types.Hash{}, &CommitmentError{Op: op, Height: height, Err: err}
	}

	parent := e.parentRootLocked(height)
	root, err := e.scheme.Apply(height, canon)
	if err != nil {
		return types.Hash{}, &CommitmentError{Op: op, Height: height, Err: err}
	}

	e.hist.push(types.RootTransition{Height: height, Parent: parent, Root: root})
	e.last = root
	e.latest = height
	logs.Debug("commitment %s: height=%d entries=%d root=%s", op, height, len(canon), root.Hex()[:16])
	return root, nil
}

// parentRootLocked 新高度的父根。进程内沿用上一根；冷启动后
// 第一笔落账尝试从方案取前一高度的根，取不到则以零根起链。
func (e *Engine) parentRootLocked(height uint64) types.Hash {
	if e.latest != 0 {
		return e.last
	}
	if height > 1 {
		if r, err := e.scheme.RootAt(height - 1); err == nil {
			return r
		}
	}
	return types.Hash{}
}

// canonicalize 批规范化：按键字节升序排序；完全相同的重复条目
// 合并为一条；同键不同值或不同操作视为冲突。
func canonicalize(batch []Update) ([]Update, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	out := make([]Update, len(batch))
	copy(out, batch)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})

	w := 0
	for i := 1; i < len(out); i++ {
		if out[i].Key == out[w].Key {
			if out[i] != out[w] {
				return nil, fmt.Errorf("%w: key %s", ErrConflictingUpdate, out[i].Key.Short())
			}
			continue
		}
		w++
		out[w] = out[i]
	}
	return out[:w+1], nil
}

// ============================================
// 读路径
// ============================================

// RootAt 指定高度的根。优先查进程内历史环，环外回落到方案
// （方案的保留窗口可能长于本进程的历史）。
func (e *Engine) RootAt(height uint64) (types.Hash, error) {
	e.mu.RLock()
	tr, ok := e.hist.at(height)
	e.mu.RUnlock()
	if ok {
		return tr.Root, nil
	}
	return e.scheme.RootAt(height)
}

// LatestHeight 最近一次成功落账的高度，0 = 本进程尚未落账
func (e *Engine) LatestHeight() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

// LatestRoot 最新根及其高度；本进程尚未落账时 ok 为 false
func (e *Engine) LatestRoot() (types.Hash, uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == 0 {
		return types.Hash{}, 0, false
	}
	return e.last, e.latest, true
}

// TransitionAt 某高度的根转移记录；环外返回 ErrHeightNotRetained
func (e *Engine) TransitionAt(height uint64) (types.RootTransition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tr, ok := e.hist.at(height)
	if !ok {
		return types.RootTransition{}, fmt.Errorf("%w: no transition at height %d",
			interfaces.ErrHeightNotRetained, height)
	}
	return tr, nil
}

// TransitionsBetween 返回 (from, to] 区间的完整转移链（升序）。
// 区间内任何一环缺失即返回 ErrHeightNotRetained。
func (e *Engine) TransitionsBetween(from, to uint64) ([]types.RootTransition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	chain, ok := e.hist.between(from, to)
	if !ok {
		return nil, fmt.Errorf("%w: transitions (%d, %d] not fully retained",
			interfaces.ErrHeightNotRetained, from, to)
	}
	return chain, nil
}

// Prove 为键生成指定高度的包含性证明（纯读，委托方案）
func (e *Engine) Prove(height uint64, key types.AccountKey) ([]byte, error) {
	return e.scheme.Prove(height, key)
}

// VerifyProof 对照给定根校验证明（纯计算，委托方案）
func (e *Engine) VerifyProof(root types.Hash, key types.AccountKey, valueHash types.Hash, proof []byte) error {
	return e.scheme.VerifyProof(root, key, valueHash, proof)
}

// Contains 键在指定高度是否属于定义域
func (e *Engine) Contains(height uint64, key types.AccountKey) (bool, error) {
	return e.scheme.Contains(height, key)
}

// ProofSizeHint 方案的典型证明大小（计价参考）
func (e *Engine) ProofSizeHint() int {
	return e.scheme.ProofSizeHint()
}

// ============================================
// 维护
// ============================================

// Prune 丢弃早于 height 的方案历史与转移记录
func (e *Engine) Prune(height uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.scheme.Prune(height); err != nil {
		return err
	}
	e.hist.trim(height)
	return nil
}

// Close 释放方案持有的底层资源
func (e *Engine) Close() error {
	return e.scheme.Close()
}
