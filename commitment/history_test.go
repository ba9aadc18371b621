package commitment

import (
	"testing"

	"glacier/types"
)

func tr(h uint64) types.RootTransition {
	var parent, root types.Hash
	parent[0] = byte(h - 1)
	root[0] = byte(h)
	return types.RootTransition{Height: h, Parent: parent, Root: root}
}

func TestRootHistoryPushEvict(t *testing.T) {
	h := newRootHistory(4)
	for v := uint64(1); v <= 6; v++ {
		h.push(tr(v))
	}
	if h.size() != 4 {
		t.Fatalf("size = %d, want 4", h.size())
	}
	// 1、2 已淘汰
	if _, ok := h.at(2); ok {
		t.Fatal("height 2 must be evicted")
	}
	for v := uint64(3); v <= 6; v++ {
		got, ok := h.at(v)
		if !ok || got.Height != v {
			t.Fatalf("at(%d) = %+v, %v", v, got, ok)
		}
	}
	last, ok := h.latest()
	if !ok || last.Height != 6 {
		t.Fatalf("latest = %+v, %v", last, ok)
	}
}

func TestRootHistoryBetween(t *testing.T) {
	h := newRootHistory(8)
	for v := uint64(1); v <= 6; v++ {
		h.push(tr(v))
	}

	chain, ok := h.between(2, 5)
	if !ok || len(chain) != 3 {
		t.Fatalf("between(2,5) = %d records, %v", len(chain), ok)
	}
	for i, want := range []uint64{3, 4, 5} {
		if chain[i].Height != want {
			t.Fatalf("chain[%d].Height = %d, want %d", i, chain[i].Height, want)
		}
	}

	// 起点早于最旧记录：区间不完整
	if _, ok := h.between(0, 3); ok {
		t.Fatal("between(0,3) must report incomplete coverage")
	}
	// 终点超过最新记录
	if _, ok := h.between(4, 9); ok {
		t.Fatal("between(4,9) must report incomplete coverage")
	}
	// 空区间与倒置区间
	if _, ok := h.between(5, 5); ok {
		t.Fatal("between(5,5) must be rejected")
	}
	if _, ok := h.between(5, 2); ok {
		t.Fatal("between(5,2) must be rejected")
	}
}

func TestRootHistoryTrim(t *testing.T) {
	h := newRootHistory(8)
	for v := uint64(1); v <= 6; v++ {
		h.push(tr(v))
	}
	h.trim(4)
	if h.size() != 3 {
		t.Fatalf("size after trim = %d, want 3", h.size())
	}
	if _, ok := h.at(3); ok {
		t.Fatal("height 3 must be trimmed")
	}
	if _, ok := h.at(4); !ok {
		t.Fatal("height 4 must survive trim")
	}
	// cutoff 低于最旧记录时不动
	h.trim(1)
	if h.size() != 3 {
		t.Fatalf("size after no-op trim = %d, want 3", h.size())
	}
}
