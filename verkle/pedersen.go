package verkle

import (
	"errors"
	"sync"

	"github.com/crate-crypto/go-ipa/banderwagon"
	"github.com/crate-crypto/go-ipa/ipa"
)

// ============================================
// Pedersen 向量承诺
// 使用 go-ipa 库的 Bandersnatch 曲线
// ============================================

// ErrInvalidSuffix 后缀索引必须在 0-255 之间
var ErrInvalidSuffix = errors.New("invalid suffix index: must be 0-255")

// IPA 全局配置（预计算生成元，初始化一次）
var (
	globalIPAConfig     *ipa.IPAConfig
	globalIPAConfigOnce sync.Once
	globalIPAConfigErr  error
)

func getIPAConfig() (*ipa.IPAConfig, error) {
	globalIPAConfigOnce.Do(func() {
		globalIPAConfig, globalIPAConfigErr = ipa.NewIPASettings()
	})
	return globalIPAConfig, globalIPAConfigErr
}

// StemCommitter 维护 stem 粒度的 Pedersen 向量承诺。
// 树本体的承诺由 go-verkle 负责；这里的承诺是台账用的独立指纹，
// 值变更走增量更新 C' = C + (v'-v)*G_i，避免整向量重算。
type StemCommitter struct {
	config *ipa.IPAConfig
}

// NewStemCommitter 创建承诺器
func NewStemCommitter() (*StemCommitter, error) {
	config, err := getIPAConfig()
	if err != nil {
		return nil, err
	}
	return &StemCommitter{config: config}, nil
}

// CommitVector 计算 256 个后缀值的全量 Pedersen 承诺 C = Σ v_i * G_i。
// nil 槽位按零标量处理。
func (p *StemCommitter) CommitVector(values [StemWidth][]byte) ([]byte, error) {
	scalars := make([]banderwagon.Fr, StemWidth)
	for i := 0; i < StemWidth; i++ {
		if len(values[i]) == 0 {
			scalars[i].SetZero()
		} else {
			scalars[i].SetBytes(values[i])
		}
	}
	commitment := p.config.Commit(scalars)
	raw := commitment.Bytes()
	return raw[:], nil
}

// Update 增量更新承诺：newC = oldC + (newVal - oldVal) * G_suffix
func (p *StemCommitter) Update(oldCommitment []byte, suffix int, newValue, oldValue []byte) ([]byte, error) {
	if suffix < 0 || suffix >= StemWidth {
		return nil, ErrInvalidSuffix
	}

	var oldPoint banderwagon.Element
	if err := oldPoint.SetBytes(oldCommitment); err != nil {
		return nil, err
	}

	var newScalar, oldScalar, diffScalar banderwagon.Fr
	if len(newValue) > 0 {
		newScalar.SetBytes(newValue)
	}
	if len(oldValue) > 0 {
		oldScalar.SetBytes(oldValue)
	}
	diffScalar.Sub(&newScalar, &oldScalar)

	var diffPoint banderwagon.Element
	diffPoint.ScalarMul(&p.config.SRS[suffix], &diffScalar)

	var newPoint banderwagon.Element
	newPoint.Add(&oldPoint, &diffPoint)

	raw := newPoint.Bytes()
	return raw[:], nil
}

// ZeroCommitment 全零向量的承诺（单位元）
func (p *StemCommitter) ZeroCommitment() []byte {
	var zero banderwagon.Element
	zero.SetIdentity()
	raw := zero.Bytes()
	return raw[:]
}
