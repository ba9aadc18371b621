package kzg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	kzg_bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381/kzg"

	"glacier/interfaces"
	"glacier/types"
)

// ============================================
// 分段 KZG 向量承诺方案
// ============================================

// ErrStaleHeight 提交高度不大于当前最新高度
var ErrStaleHeight = errors.New("stale height")

// epochState 单个高度的不可变快照。向量按段在快照间共享，
// 只有该高度变更过的段持有自己的副本。
type epochState struct {
	root       types.Hash
	segCommits []kzg_bls12381.Digest
	vectors    [][]fr.Element
}

// Scheme 分段 KZG 向量承诺。键按入驻序映射到 (段, 槽)，
// 段多项式用求值形式维护，变更段经逆 FFT 重提交；
// 全部段承诺再经二叉 SHA-256 汇总出单一 32 字节根。
// 状态全部驻留内存，重启由引擎从账户存储重放重建。
type Scheme struct {
	setup    *setup
	retained int

	mu     sync.RWMutex
	reg    *registry
	epochs map[uint64]*epochState
	order  []uint64 // epochs 的淘汰顺序（升序）
	latest uint64
	cur    *epochState
}

var _ interfaces.Scheme = (*Scheme)(nil)

// NewScheme 创建 KZG 承诺方案。segmentSize 必须是 2 的幂。
func NewScheme(segmentSize, retained int) (*Scheme, error) {
	if retained <= 0 {
		retained = 128
	}
	su, err := newSetup(segmentSize)
	if err != nil {
		return nil, err
	}
	return &Scheme{
		setup:    su,
		retained: retained,
		reg:      newRegistry(),
		epochs:   make(map[uint64]*epochState),
		cur:      &epochState{},
	}, nil
}

// ID 方案标识
func (s *Scheme) ID() types.SchemeID {
	return types.SchemeKZG
}

type opKind uint8

const (
	opUpdate opKind = iota
	opInsertNew
	opDelete
)

type plannedOp struct {
	kind   opKind
	seg    int
	slot   int
	key    types.AccountKey
	scalar fr.Element
}

// Apply 在给定高度应用一批变更并返回新根。
// 先全量规划校验、后统一落账，任一条失败整批无副作用。
func (s *Scheme) Apply(height uint64, entries []interfaces.SchemeEntry) (types.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height <= s.latest {
		return types.Hash{}, fmt.Errorf("%w: height %d, latest %d", ErrStaleHeight, height, s.latest)
	}

	plans := make([]plannedOp, 0, len(entries))
	newAssigns := 0
	for _, e := range entries {
		if e.Delete {
			le, ok := s.reg.live(e.Key)
			if !ok {
				return types.Hash{}, fmt.Errorf("%w: delete %s", interfaces.ErrKeyNotFound, e.Key.Short())
			}
			plans = append(plans, plannedOp{kind: opDelete, seg: le.segment, slot: le.slot, key: e.Key})
			continue
		}

		le, ok := s.reg.live(e.Key)
		if !ok && !e.Insert {
			return types.Hash{}, fmt.Errorf("%w: update %s", interfaces.ErrKeyNotFound, e.Key.Short())
		}
		p := plannedOp{kind: opUpdate, key: e.Key, scalar: slotScalar(e.Key, e.ValueHash)}
		if ok {
			p.seg, p.slot = le.segment, le.slot
		} else {
			p.kind = opInsertNew
			p.seg, p.slot = s.reg.reserve(newAssigns, s.setup.segSize)
			newAssigns++
		}
		plans = append(plans, p)
	}

	// 写时复制：只克隆被触到的段
	vectors := append([][]fr.Element(nil), s.cur.vectors...)
	touched := make(map[int]bool)
	segmentFor := func(idx int) []fr.Element {
		for idx >= len(vectors) {
			vectors = append(vectors, make([]fr.Element, s.setup.segSize))
			touched[len(vectors)-1] = true
		}
		if !touched[idx] {
			clone := make([]fr.Element, len(vectors[idx]))
			copy(clone, vectors[idx])
			vectors[idx] = clone
			touched[idx] = true
		}
		return vectors[idx]
	}

	for _, p := range plans {
		vec := segmentFor(p.seg)
		if p.kind == opDelete {
			vec[p.slot].SetZero()
		} else {
			vec[p.slot] = p.scalar
		}
	}

	segCommits := append([]kzg_bls12381.Digest(nil), s.cur.segCommits...)
	for len(segCommits) < len(vectors) {
		segCommits = append(segCommits, kzg_bls12381.Digest{})
	}
	for idx := range touched {
		coeffs := s.setup.toCoefficients(vectors[idx])
		digest, err := kzg_bls12381.Commit(coeffs, s.setup.srs.Pk)
		if err != nil {
			return types.Hash{}, fmt.Errorf("commit segment %d: %w", idx, err)
		}
		segCommits[idx] = digest
	}

	root := rollupRoot(segCommits)

	for _, p := range plans {
		switch p.kind {
		case opInsertNew:
			s.reg.commitAssign(p.key, p.seg, p.slot, height)
		case opDelete:
			s.reg.retire(p.key, height)
		}
	}

	st := &epochState{root: root, segCommits: segCommits, vectors: vectors}
	s.epochs[height] = st
	s.order = append(s.order, height)
	s.latest = height
	s.cur = st
	for len(s.order) > s.retained {
		delete(s.epochs, s.order[0])
		s.order = s.order[1:]
	}
	if len(s.order) > 0 {
		s.reg.sweep(s.order[0])
	}
	return root, nil
}

// RootAt 返回指定高度的根
func (s *Scheme) RootAt(height uint64) (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.epochs[height]
	if !ok {
		return types.Hash{}, interfaces.ErrHeightNotRetained
	}
	return st.root, nil
}

// Prove 生成某键在指定高度的打开证明 + 段汇总路径
func (s *Scheme) Prove(height uint64, key types.AccountKey) ([]byte, error) {
	s.mu.RLock()
	st, ok := s.epochs[height]
	if !ok {
		s.mu.RUnlock()
		return nil, interfaces.ErrHeightNotRetained
	}
	entry, found := s.reg.lookupAt(key, height)
	s.mu.RUnlock()
	if !found {
		return nil, interfaces.ErrKeyNotFound
	}

	// 快照发布后不可变，重计算放在锁外
	vec := st.vectors[entry.segment]
	if vec[entry.slot].IsZero() {
		return nil, interfaces.ErrKeyNotFound
	}
	coeffs := s.setup.toCoefficients(vec)
	opening, err := kzg_bls12381.Open(coeffs, s.setup.points[entry.slot], s.setup.srs.Pk)
	if err != nil {
		return nil, fmt.Errorf("open segment %d slot %d: %w", entry.segment, entry.slot, err)
	}

	path := rollupPath(st.segCommits, entry.segment)
	return encodeProof(uint32(entry.segment), uint16(entry.slot), &opening.H, &st.segCommits[entry.segment], path), nil
}

// VerifyProof 校验打开证明与段汇总路径，纯计算无状态。
// 期望槽值由 key 和 valueHash 现算，证明因此同时绑定键与数据。
func (s *Scheme) VerifyProof(root types.Hash, key types.AccountKey, valueHash types.Hash, proof []byte) error {
	pd, err := decodeProof(proof, s.setup.segSize)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrMalformedProof, err)
	}

	expected := slotScalar(key, valueHash)
	op := kzg_bls12381.OpeningProof{H: pd.opening, ClaimedValue: expected}
	if err := kzg_bls12381.Verify(&pd.segCommit, &op, s.setup.points[pd.slot], s.setup.srs.Vk); err != nil {
		return fmt.Errorf("%w: kzg opening: %v", interfaces.ErrProofMismatch, err)
	}
	if !verifyRollup(root, &pd.segCommit, pd.segment, pd.path) {
		return fmt.Errorf("%w: segment rollup path", interfaces.ErrProofMismatch)
	}
	return nil
}

// Contains 键在指定高度是否在定义域内
func (s *Scheme) Contains(height uint64, key types.AccountKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.epochs[height]; !ok {
		return false, interfaces.ErrHeightNotRetained
	}
	_, found := s.reg.lookupAt(key, height)
	return found, nil
}

// ProofSizeHint 典型证明大小
func (s *Scheme) ProofSizeHint() int {
	return proofHeaderSize + 4*types.HashSize
}

// Prune 丢弃早于 height 的快照
func (s *Scheme) Prune(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) > 0 && s.order[0] < height {
		delete(s.epochs, s.order[0])
		s.order = s.order[1:]
	}
	if len(s.order) > 0 {
		s.reg.sweep(s.order[0])
	}
	return nil
}

// Close 无持久化资源
func (s *Scheme) Close() error {
	return nil
}
