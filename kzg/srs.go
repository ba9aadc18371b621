package kzg

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr/fft"
	kzg_bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381/kzg"

	"glacier/types"
)

// ============================================
// SRS 与求值域
// ============================================

// srsSeed 测试 SRS 的固定种子。生产环境应加载 trusted setup 仪式产物，
// 这里按进程生成一次，同种子两端可互验。
const srsSeed = 42

// setup 进程内一次性初始化的密码学材料
type setup struct {
	srs     *kzg_bls12381.SRS
	domain  *fft.Domain
	segSize int
	// points[i] = ω^i，槽位 i 的求值点
	points []fr.Element
}

func newSetup(segmentSize int) (*setup, error) {
	if segmentSize <= 0 || segmentSize&(segmentSize-1) != 0 {
		return nil, fmt.Errorf("segment size %d must be a power of two", segmentSize)
	}

	srs, err := kzg_bls12381.NewSRS(ecc.NextPowerOfTwo(uint64(segmentSize)), big.NewInt(srsSeed))
	if err != nil {
		return nil, fmt.Errorf("generate srs: %w", err)
	}
	domain := fft.NewDomain(uint64(segmentSize))

	points := make([]fr.Element, segmentSize)
	points[0].SetOne()
	for i := 1; i < segmentSize; i++ {
		points[i].Mul(&points[i-1], &domain.Generator)
	}

	return &setup{
		srs:     srs,
		domain:  domain,
		segSize: segmentSize,
		points:  points,
	}, nil
}

// toCoefficients 求值形式 -> 系数形式（逆 FFT + 位逆序还原自然排列）
func (s *setup) toCoefficients(evals []fr.Element) []fr.Element {
	coeffs := make([]fr.Element, len(evals))
	copy(coeffs, evals)
	s.domain.FFTInverse(coeffs, fft.DIF)
	fft.BitReverse(coeffs)
	return coeffs
}

// slotScalar 槽位承载的标量：H(key || dataHash) 映射进 Fr。
// 键被揉进槽值里，打开证明因此同时绑定键与数据哈希。
func slotScalar(key types.AccountKey, dataHash types.Hash) fr.Element {
	h := sha256.New()
	h.Write(key[:])
	h.Write(dataHash[:])
	sum := h.Sum(nil)

	var e fr.Element
	e.SetBytes(sum)
	return e
}

// commitLeaf 段承诺在汇总树中的叶子
func commitLeaf(digest *kzg_bls12381.Digest) types.Hash {
	raw := digest.Bytes()
	return sha256.Sum256(raw[:])
}
