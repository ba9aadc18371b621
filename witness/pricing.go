// witness/pricing.go
// 见证费率：fee = base + perByte × proofSize。金额一律走
// decimal，不让浮点误差进账务。
package witness

import (
	"fmt"

	"github.com/shopspring/decimal"

	"glacier/types"
)

// Pricing 见证计价参数（不可变，构造后并发只读）
type Pricing struct {
	base    decimal.Decimal
	perByte decimal.Decimal
}

// NewPricing 解析配置里的十进制费率字符串
func NewPricing(baseFee, feePerByte string) (*Pricing, error) {
	base, err := decimal.NewFromString(baseFee)
	if err != nil {
		return nil, fmt.Errorf("parse base fee %q: %w", baseFee, err)
	}
	per, err := decimal.NewFromString(feePerByte)
	if err != nil {
		return nil, fmt.Errorf("parse per-byte fee %q: %w", feePerByte, err)
	}
	if base.IsNegative() || per.IsNegative() {
		return nil, fmt.Errorf("witness fees must not be negative")
	}
	return &Pricing{base: base, perByte: per}, nil
}

// Fee 给定证明字节数的费用
func (p *Pricing) Fee(proofSize int) decimal.Decimal {
	return p.base.Add(p.perByte.Mul(decimal.NewFromInt(int64(proofSize))))
}

// FeeFor 一个具体见证的费用
func (p *Pricing) FeeFor(w *types.Witness) decimal.Decimal {
	return p.Fee(w.ProofSize())
}
