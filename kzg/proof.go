package kzg

import (
	"encoding/binary"
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	kzg_bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381/kzg"

	"glacier/types"
)

// ============================================
// 证明线格式
// ============================================

const (
	g1Size = bls12381.SizeOfG1AffineCompressed

	// maxRollupPath 汇总路径长度上限（2^32 个段早已超出任何现实规模）
	maxRollupPath = 32

	// 固定头部: 段号 4B + 槽号 2B + 打开证明 48B + 段承诺 48B + 路径长度 1B
	proofHeaderSize = 4 + 2 + g1Size + g1Size + 1
)

// proofData 解码后的证明
type proofData struct {
	segment   uint32
	slot      uint16
	opening   kzg_bls12381.Digest // 打开证明的 H 点
	segCommit kzg_bls12381.Digest
	path      []types.Hash // 段承诺到根的二叉路径
}

// encodeProof 线格式:
// [segment 4B BE][slot 2B BE][H 48B][segCommit 48B][pathLen 1B][path 32B...]
func encodeProof(segment uint32, slot uint16, opening, segCommit *kzg_bls12381.Digest, path []types.Hash) []byte {
	buf := make([]byte, 0, proofHeaderSize+len(path)*types.HashSize)

	var seg [4]byte
	binary.BigEndian.PutUint32(seg[:], segment)
	buf = append(buf, seg[:]...)

	var sl [2]byte
	binary.BigEndian.PutUint16(sl[:], slot)
	buf = append(buf, sl[:]...)

	h := opening.Bytes()
	buf = append(buf, h[:]...)
	c := segCommit.Bytes()
	buf = append(buf, c[:]...)

	buf = append(buf, byte(len(path)))
	for _, p := range path {
		buf = append(buf, p[:]...)
	}
	return buf
}

// decodeProof 严格解码；G1 点必须在曲线及子群上
func decodeProof(data []byte, segSize int) (*proofData, error) {
	if len(data) < proofHeaderSize {
		return nil, fmt.Errorf("proof too short: %d bytes", len(data))
	}

	p := &proofData{}
	p.segment = binary.BigEndian.Uint32(data[0:4])
	p.slot = binary.BigEndian.Uint16(data[4:6])
	if int(p.slot) >= segSize {
		return nil, fmt.Errorf("slot %d out of range (segment size %d)", p.slot, segSize)
	}

	offset := 6
	if _, err := p.opening.SetBytes(data[offset : offset+g1Size]); err != nil {
		return nil, fmt.Errorf("opening point: %v", err)
	}
	offset += g1Size
	if _, err := p.segCommit.SetBytes(data[offset : offset+g1Size]); err != nil {
		return nil, fmt.Errorf("segment commitment: %v", err)
	}
	offset += g1Size

	pathLen := int(data[offset])
	offset++
	if pathLen > maxRollupPath {
		return nil, fmt.Errorf("rollup path length %d", pathLen)
	}
	if len(data) != offset+pathLen*types.HashSize {
		return nil, fmt.Errorf("proof length %d does not match path length %d", len(data), pathLen)
	}
	if p.segment>>uint(pathLen) != 0 {
		return nil, fmt.Errorf("segment %d beyond path coverage %d", p.segment, pathLen)
	}

	p.path = make([]types.Hash, pathLen)
	for i := 0; i < pathLen; i++ {
		copy(p.path[i][:], data[offset:offset+types.HashSize])
		offset += types.HashSize
	}
	return p, nil
}

// ============================================
// 段承诺汇总树
// ============================================

// rollupRoot 段承诺集合的二叉 SHA-256 根
func rollupRoot(commits []kzg_bls12381.Digest) types.Hash {
	if len(commits) == 0 {
		return types.Hash{}
	}
	leaves := make([]types.Hash, len(commits))
	for i := range commits {
		leaves[i] = commitLeaf(&commits[i])
	}
	return types.FoldHashes(leaves)
}

// rollupPath 第 idx 个段承诺到根的兄弟路径
func rollupPath(commits []kzg_bls12381.Digest, idx int) []types.Hash {
	buf := make([]types.Hash, len(commits))
	for i := range commits {
		buf[i] = commitLeaf(&commits[i])
	}
	for len(buf)&(len(buf)-1) != 0 {
		buf = append(buf, buf[len(buf)-1])
	}

	var path []types.Hash
	for len(buf) > 1 {
		path = append(path, buf[idx^1])
		next := make([]types.Hash, 0, len(buf)/2)
		for i := 0; i < len(buf); i += 2 {
			next = append(next, types.CombineHashes(buf[i], buf[i+1]))
		}
		buf = next
		idx >>= 1
	}
	return path
}

// verifyRollup 用路径把段承诺折叠回根
func verifyRollup(root types.Hash, segCommit *kzg_bls12381.Digest, segment uint32, path []types.Hash) bool {
	cur := commitLeaf(segCommit)
	idx := segment
	for _, sib := range path {
		if idx&1 == 0 {
			cur = types.CombineHashes(cur, sib)
		} else {
			cur = types.CombineHashes(sib, cur)
		}
		idx >>= 1
	}
	return cur == root
}
