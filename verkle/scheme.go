package verkle

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"glacier/interfaces"
	"glacier/store"
	"glacier/types"
)

// ============================================
// 承诺方案适配层
// ============================================

// 多点证明 JSON 封装的典型大小
const proofSizeHint = 4096

// SchemeEntry 的别名，省得调用方多写一个包名
type SchemeEntry = interfaces.SchemeEntry

// Scheme 把版本化 Verkle 树适配成通用承诺方案接口
type Scheme struct {
	tree *Tree
}

var _ interfaces.Scheme = (*Scheme)(nil)

// NewScheme 基于给定存储创建 Verkle 承诺方案
func NewScheme(kv store.VersionedStore, retained int, cacheSize int) (*Scheme, error) {
	tree, err := NewTree(kv, retained, cacheSize)
	if err != nil {
		return nil, fmt.Errorf("new verkle tree: %w", err)
	}
	return &Scheme{tree: tree}, nil
}

// ID 方案标识
func (s *Scheme) ID() types.SchemeID {
	return types.SchemeVerkle
}

// VerkleKeyOf 账户键到 32 字节 Verkle Key 的映射：
// sha256 重散列保证 stem 均匀分布
func VerkleKeyOf(key types.AccountKey) [32]byte {
	return sha256.Sum256(key.Bytes())
}

// Apply 在给定高度应用一批变更并返回新根
func (s *Scheme) Apply(height uint64, entries []SchemeEntry) (types.Hash, error) {
	ops := make([]BatchOp, len(entries))
	for i, e := range entries {
		ops[i] = BatchOp{
			VKey:   VerkleKeyOf(e.Key),
			Value:  e.ValueHash.Bytes(),
			Insert: e.Insert,
			Delete: e.Delete,
		}
	}
	root, err := s.tree.ApplyBatch(store.Version(height), ops)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.Hash{}, fmt.Errorf("%w: %v", interfaces.ErrKeyNotFound, err)
		}
		return types.Hash{}, err
	}
	return types.HashFromBytes(root)
}

// RootAt 返回指定高度的根承诺
func (s *Scheme) RootAt(height uint64) (types.Hash, error) {
	root, err := s.tree.RootAt(store.Version(height))
	if err != nil {
		if errors.Is(err, store.ErrVersionNotFound) || errors.Is(err, store.ErrNotFound) {
			return types.Hash{}, interfaces.ErrHeightNotRetained
		}
		return types.Hash{}, err
	}
	return types.HashFromBytes(root)
}

// Prove 生成某键在指定高度的成员证明
func (s *Scheme) Prove(height uint64, key types.AccountKey) ([]byte, error) {
	if _, err := s.RootAt(height); err != nil {
		return nil, err
	}
	proof, err := s.tree.Prove(VerkleKeyOf(key), store.Version(height))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s at height %d", interfaces.ErrKeyNotFound, key.Short(), height)
		}
		if errors.Is(err, store.ErrVersionNotFound) {
			return nil, interfaces.ErrHeightNotRetained
		}
		return nil, err
	}
	return proof, nil
}

// VerifyProof 对照给定根校验证明，纯计算无状态。
// 错误统一映射到 interfaces 层哨兵，验证器按类别出具裁决。
func (s *Scheme) VerifyProof(root types.Hash, key types.AccountKey, valueHash types.Hash, proof []byte) error {
	var rootC [32]byte
	copy(rootC[:], root.Bytes())
	if err := VerifyMembership(rootC, VerkleKeyOf(key), valueHash.Bytes(), proof); err != nil {
		if errors.Is(err, ErrInvalidProof) {
			return fmt.Errorf("%w: %w", interfaces.ErrMalformedProof, err)
		}
		return fmt.Errorf("%w: %w", interfaces.ErrProofMismatch, err)
	}
	return nil
}

// Contains 键在指定高度是否在定义域内
func (s *Scheme) Contains(height uint64, key types.AccountKey) (bool, error) {
	if _, err := s.RootAt(height); err != nil {
		return false, err
	}
	ok, err := s.tree.Contains(VerkleKeyOf(key), store.Version(height))
	if err != nil {
		if errors.Is(err, store.ErrVersionNotFound) {
			return false, interfaces.ErrHeightNotRetained
		}
		return false, err
	}
	return ok, nil
}

// ProofSizeHint 典型证明大小
func (s *Scheme) ProofSizeHint() int {
	return proofSizeHint
}

// Prune 丢弃早于 height 的历史
func (s *Scheme) Prune(height uint64) error {
	return s.tree.Prune(store.Version(height))
}

// Close 关闭底层存储
func (s *Scheme) Close() error {
	return s.tree.Close()
}

// Tree 暴露底层树（只读诊断用）
func (s *Scheme) Tree() *Tree {
	return s.tree
}
