package verkle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	gverkle "github.com/ethereum/go-verkle"
)

// ============================================
// Verkle 证明封装
// ============================================

var (
	// ErrInvalidProof 证明无法解码
	ErrInvalidProof = errors.New("invalid verkle proof encoding")
	// ErrProofMismatch 证明与根或声称的值不符
	ErrProofMismatch = errors.New("verkle proof does not match root")
)

// proofEnvelope 证明线格式：go-verkle 多点证明 + 批次状态差异。
// 两部分都走 go-verkle 自带的 JSON 十六进制编解码。
type proofEnvelope struct {
	Proof *gverkle.VerkleProof `json:"proof"`
	Diff  gverkle.StateDiff    `json:"stateDiff"`
}

func encodeProofEnvelope(vp *gverkle.VerkleProof, diff gverkle.StateDiff) ([]byte, error) {
	data, err := json.Marshal(proofEnvelope{Proof: vp, Diff: diff})
	if err != nil {
		return nil, fmt.Errorf("encode proof envelope: %w", err)
	}
	return data, nil
}

// VerifyMembership 验证 vkey 在根 root 下绑定 value。无状态纯计算。
// 期望的状态差异由验证方重建，证明携带的差异仅作一致性交叉检查，
// 伪造的差异因此无法偷换被证明的值。
func VerifyMembership(root [32]byte, vkey [32]byte, value []byte, proofData []byte) error {
	if len(proofData) == 0 {
		return fmt.Errorf("%w: empty proof", ErrInvalidProof)
	}
	var env proofEnvelope
	if err := json.Unmarshal(proofData, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if env.Proof == nil {
		return fmt.Errorf("%w: missing proof body", ErrInvalidProof)
	}
	if len(value) != CommitmentSize {
		return fmt.Errorf("%w: value must be %d bytes", ErrInvalidProof, CommitmentSize)
	}

	stem, suffix := splitVKey(vkey)
	var val32 [32]byte
	copy(val32[:], value)

	if !diffCovers(env.Diff, stem, suffix, val32) {
		return fmt.Errorf("%w: state diff does not attest claimed value", ErrProofMismatch)
	}

	expected := gverkle.StateDiff{{
		Stem: stem,
		SuffixDiffs: []gverkle.SuffixStateDiff{{
			Suffix:       suffix,
			CurrentValue: &val32,
			NewValue:     &val32,
		}},
	}}
	if err := gverkle.Verify(env.Proof, root[:], root[:], expected); err != nil {
		return fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	return nil
}

// diffCovers 携带的状态差异是否声明了 stem/suffix 处的期望值
func diffCovers(diff gverkle.StateDiff, stem [StemSize]byte, suffix byte, want [32]byte) bool {
	for _, sd := range diff {
		if sd.Stem != stem {
			continue
		}
		for _, sfd := range sd.SuffixDiffs {
			if sfd.Suffix != suffix {
				continue
			}
			if sfd.CurrentValue == nil {
				return false
			}
			return bytes.Equal(sfd.CurrentValue[:], want[:])
		}
	}
	return false
}
