package merkle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ============================================
// 成员证明
// ============================================

var (
	// ErrInvalidProof 证明编码损坏或结构非法
	ErrInvalidProof = errors.New("invalid proof encoding")
	// ErrProofMismatch 证明重建出的根与给定根不一致
	ErrProofMismatch = errors.New("proof root mismatch")
)

// Proof 成员证明：从根到叶每层的兄弟信息。
// 叶子本身不在证明里，验证方用声称的路径和数据哈希重建。
type Proof struct {
	Levels []SiblingInfo
}

// Size 编码后的字节数
func (p *Proof) Size() int {
	size := 1
	for _, lvl := range p.Levels {
		size += 2 + 1 + len(lvl.Siblings)*PathSize
	}
	return size
}

// Encode 线格式:
// [层数 1B] 然后每层 [bitmap 2B BE][兄弟数 1B][兄弟哈希 各 32B]
func (p *Proof) Encode() []byte {
	buf := make([]byte, 0, p.Size())
	buf = append(buf, byte(len(p.Levels)))
	for _, lvl := range p.Levels {
		var bm [2]byte
		binary.BigEndian.PutUint16(bm[:], lvl.Bitmap)
		buf = append(buf, bm[:]...)
		buf = append(buf, byte(len(lvl.Siblings)))
		for _, sib := range lvl.Siblings {
			buf = append(buf, sib...)
		}
	}
	return buf
}

// DecodeProof 严格解码：长度、位图与兄弟数必须完全自洽，不容忍尾部冗余
func DecodeProof(data []byte) (*Proof, error) {
	if len(data) < 1 {
		return nil, ErrInvalidProof
	}
	numLevels := int(data[0])
	if numLevels > MaxDepth {
		return nil, fmt.Errorf("%w: %d levels exceeds max depth", ErrInvalidProof, numLevels)
	}

	proof := &Proof{Levels: make([]SiblingInfo, 0, numLevels)}
	offset := 1
	for i := 0; i < numLevels; i++ {
		if offset+3 > len(data) {
			return nil, fmt.Errorf("%w: truncated at level %d", ErrInvalidProof, i)
		}
		bitmap := binary.BigEndian.Uint16(data[offset : offset+2])
		count := int(data[offset+2])
		offset += 3

		if count != siblingCount(bitmap) {
			return nil, fmt.Errorf("%w: level %d bitmap/count disagree", ErrInvalidProof, i)
		}
		if offset+count*PathSize > len(data) {
			return nil, fmt.Errorf("%w: truncated siblings at level %d", ErrInvalidProof, i)
		}

		siblings := make([][]byte, 0, count)
		for j := 0; j < count; j++ {
			siblings = append(siblings, append([]byte(nil), data[offset:offset+PathSize]...))
			offset += PathSize
		}
		proof.Levels = append(proof.Levels, SiblingInfo{Bitmap: bitmap, Siblings: siblings})
	}

	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidProof, len(data)-offset)
	}
	return proof, nil
}

// VerifyMembership 验证 path 在 root 下绑定到 dataHash。
// 自底向上重建每层内部节点哈希，最终必须等于 root。
func VerifyMembership(root []byte, path []byte, dataHash []byte, proof *Proof) error {
	if len(path) != PathSize || len(dataHash) != PathSize {
		return ErrInvalidProof
	}
	if len(proof.Levels) > MaxDepth {
		return ErrInvalidProof
	}

	cur := DigestLeaf(&LeafNode{Path: path, DataHash: dataHash})
	for i := len(proof.Levels) - 1; i >= 0; i-- {
		nib := getNibbleAt(path, i)
		lvl := proof.Levels[i]
		// 兄弟位图不得包含路径子节点本身，数量必须与位图一致
		if lvl.Bitmap&(1<<nib) != 0 {
			return fmt.Errorf("%w: level %d bitmap claims path child", ErrInvalidProof, i)
		}
		if len(lvl.Siblings) != siblingCount(lvl.Bitmap) {
			return fmt.Errorf("%w: level %d bitmap/sibling disagree", ErrInvalidProof, i)
		}
		cur = ComputeInternalNodeHash(lvl, nib, cur)
	}

	if !bytes.Equal(cur, root) {
		return ErrProofMismatch
	}
	return nil
}
