package merkle

import (
	"errors"
	"fmt"

	"glacier/interfaces"
	"glacier/store"
	"glacier/types"
)

// ============================================
// 承诺方案适配层
// ============================================

// 典型证明大小估算：6 层 × (3B 头 + 约 10 个兄弟哈希)
const proofSizeHint = 1 + 6*(3+10*PathSize)

// SchemeEntry 的别名，省得调用方多写一个包名
type SchemeEntry = interfaces.SchemeEntry

// Scheme 把版本化默克尔树适配成通用承诺方案接口
type Scheme struct {
	tree *Tree
}

var _ interfaces.Scheme = (*Scheme)(nil)

// NewScheme 基于给定存储创建默克尔承诺方案
func NewScheme(kv store.VersionedStore, retained int, cacheSize int) (*Scheme, error) {
	tree, err := NewTree(kv, retained, cacheSize)
	if err != nil {
		return nil, fmt.Errorf("new merkle tree: %w", err)
	}
	return &Scheme{tree: tree}, nil
}

// ID 方案标识
func (s *Scheme) ID() types.SchemeID {
	return types.SchemeMerkle
}

// Apply 在给定高度应用一批变更并返回新根
func (s *Scheme) Apply(height uint64, entries []SchemeEntry) (types.Hash, error) {
	batch := make([]BatchEntry, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, BatchEntry{
			Path:     PathOf(e.Key.Bytes()),
			DataHash: e.ValueHash.Bytes(),
			Insert:   e.Insert,
			Delete:   e.Delete,
		})
	}

	root, err := s.tree.ApplyBatch(store.Version(height), batch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Hash{}, fmt.Errorf("%w: %v", interfaces.ErrKeyNotFound, err)
		}
		return types.Hash{}, err
	}
	return types.HashFromBytes(root)
}

// RootAt 返回指定高度的根
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

// Prove 生成包含性证明（线格式字节）
func (s *Scheme) Prove(height uint64, key types.AccountKey) ([]byte, error) {
	if _, err := s.RootAt(height); err != nil {
		return nil, err
	}

	proof, err := s.tree.Prove(PathOf(key.Bytes()), store.Version(height))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrEmptyTree) {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, err
	}
	return proof.Encode(), nil
}

// VerifyProof 对照给定根校验证明，纯计算无状态。
// 错误统一映射到 interfaces 层哨兵，验证器按类别出具裁决。
func (s *Scheme) VerifyProof(root types.Hash, key types.AccountKey, valueHash types.Hash, proof []byte) error {
	p, err := DecodeProof(proof)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrMalformedProof, err)
	}
	if err := VerifyMembership(root.Bytes(), PathOf(key.Bytes()), valueHash.Bytes(), p); err != nil {
		if errors.Is(err, ErrInvalidProof) {
			return fmt.Errorf("%w: %w", interfaces.ErrMalformedProof, err)
		}
		return fmt.Errorf("%w: %w", interfaces.ErrProofMismatch, err)
	}
	return nil
}

// Contains 键在指定高度是否属于定义域
func (s *Scheme) Contains(height uint64, key types.AccountKey) (bool, error) {
	if _, err := s.RootAt(height); err != nil {
		return false, err
	}
	return s.tree.Contains(PathOf(key.Bytes()), store.Version(height))
}

// ProofSizeHint 典型证明大小
func (s *Scheme) ProofSizeHint() int {
	return proofSizeHint
}

// Prune 丢弃早于 height 的历史版本
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
