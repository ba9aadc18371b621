package witness

import (
	"testing"

	"github.com/shopspring/decimal"

	"glacier/types"
)

func feeOf(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestPricingFee(t *testing.T) {
	p, err := NewPricing("5000", "10")
	if err != nil {
		t.Fatalf("NewPricing: %v", err)
	}
	if got := p.Fee(0); !got.Equal(feeOf(5000)) {
		t.Fatalf("Fee(0) = %s, want 5000", got)
	}
	if got := p.Fee(100); !got.Equal(feeOf(6000)) {
		t.Fatalf("Fee(100) = %s, want 6000", got)
	}

	w := &types.Witness{Proof: make([]byte, 64)}
	if got := p.FeeFor(w); !got.Equal(feeOf(5640)) {
		t.Fatalf("FeeFor(64B) = %s, want 5640", got)
	}
}

func TestPricingFractional(t *testing.T) {
	// 小数费率不丢精度
	p, err := NewPricing("0.5", "0.25")
	if err != nil {
		t.Fatalf("NewPricing: %v", err)
	}
	want, _ := decimal.NewFromString("3")
	if got := p.Fee(10); !got.Equal(want) {
		t.Fatalf("Fee(10) = %s, want 3", got)
	}
}

func TestPricingRejectsBadInput(t *testing.T) {
	cases := []struct{ base, per string }{
		{"", "10"},
		{"5000", "abc"},
		{"-1", "10"},
		{"5000", "-0.1"},
	}
	for _, tc := range cases {
		if _, err := NewPricing(tc.base, tc.per); err == nil {
			t.Fatalf("NewPricing(%q, %q) must fail", tc.base, tc.per)
		}
	}
}
