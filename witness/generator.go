// witness/generator.go
// 见证生成：对指定高度产出账户包含性见证。纯读路径，
// 不碰累加器与层级表。
package witness

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"glacier/interfaces"
	"glacier/logs"
	"glacier/types"
)

// Generator 见证生成器。产出的见证保证能通过对同高度根的
// 校验：返回前自检一遍，对不上直接报错而不是发出废见证。
type Generator struct {
	src     Source
	hashes  AccountHashes
	pricing *Pricing
}

// NewGenerator 组装生成器
func NewGenerator(src Source, hashes AccountHashes, pricing *Pricing) *Generator {
	return &Generator{src: src, hashes: hashes, pricing: pricing}
}

// Generate 为账户生成指定高度的见证。
//   - 键不在该高度定义域：ErrUnknownAccount；
//   - 高度出保留窗口：ErrStaleHeight；
//   - 账户数据在该高度之后变更过（旧承诺对不上当前哈希）：ErrStaleHeight。
func (g *Generator) Generate(key types.AccountKey, height uint64) (*types.Witness, error) {
	root, err := g.src.RootAt(height)
	if err != nil {
		if errors.Is(err, interfaces.ErrHeightNotRetained) {
			return nil, fmt.Errorf("%w: height %d", ErrStaleHeight, height)
		}
		return nil, err
	}

	dataHash, err := g.hashes.DataHashOf(key)
	if err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, key.Short())
		}
		return nil, err
	}

	proof, err := g.src.Prove(height, key)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrKeyNotFound):
			return nil, fmt.Errorf("%w: %s at height %d", ErrUnknownAccount, key.Short(), height)
		case errors.Is(err, interfaces.ErrHeightNotRetained):
			return nil, fmt.Errorf("%w: height %d", ErrStaleHeight, height)
		}
		return nil, err
	}

	// 自检：见证必须对该高度的根可验。对不上说明账户数据在
	// height 之后变更过，旧高度与当前哈希已不匹配。
	if err := g.src.VerifyProof(root, key, dataHash, proof); err != nil {
		return nil, fmt.Errorf("%w: data changed after height %d", ErrStaleHeight, height)
	}

	w := &types.Witness{
		AccountKey: key,
		DataHash:   dataHash,
		Scheme:     g.src.SchemeID(),
		Height:     height,
		Proof:      proof,
	}
	logs.Trace("witness generated: key=%s height=%d size=%dB", key.Short(), height, len(proof))
	return w, nil
}

// ExtendChain 为较旧的见证补挂根转移链，使其在宽限窗口策略下
// 对受信高度 target 可用。区间任何一环缺失返回 ErrStaleHeight。
func (g *Generator) ExtendChain(w *types.Witness, target uint64) error {
	if target < w.Height {
		return fmt.Errorf("%w: target %d below witness height %d", ErrStaleHeight, target, w.Height)
	}
	if target == w.Height {
		w.RootChain = nil
		return nil
	}
	chain, err := g.src.TransitionsBetween(w.Height, target)
	if err != nil {
		if errors.Is(err, interfaces.ErrHeightNotRetained) {
			return fmt.Errorf("%w: transitions (%d, %d]", ErrStaleHeight, w.Height, target)
		}
		return err
	}
	w.RootChain = chain
	return nil
}

// Quote 一个具体见证的计价费用
func (g *Generator) Quote(w *types.Witness) decimal.Decimal {
	return g.pricing.FeeFor(w)
}

// EstimateFee 按方案典型证明大小预估费用（客户端预算用）
func (g *Generator) EstimateFee() decimal.Decimal {
	return g.pricing.Fee(g.src.ProofSizeHint())
}
