// commitment/history.go
package commitment

import (
	"sort"

	"glacier/types"
)

// ============================================
// 根历史环
// ============================================

// rootHistory 高度→根转移的有界历史。记录按高度严格递增存放，
// 写满后淘汰最旧一条。见证生成取转移链、宽限窗口校验查单条
// 记录，都走这里。非并发安全，由 Engine 的锁保护。
type rootHistory struct {
	cap  int
	recs []types.RootTransition
}

func newRootHistory(cap int) *rootHistory {
	if cap <= 0 {
		cap = 128
	}
	return &rootHistory{cap: cap, recs: make([]types.RootTransition, 0, cap)}
}

// push 追加一条转移记录。高度必须大于现有最高记录，由调用方保证。
func (h *rootHistory) push(tr types.RootTransition) {
	if len(h.recs) == h.cap {
		copy(h.recs, h.recs[1:])
		h.recs[len(h.recs)-1] = tr
		return
	}
	h.recs = append(h.recs, tr)
}

// at 精确查找某高度的转移记录
func (h *rootHistory) at(height uint64) (types.RootTransition, bool) {
	i := sort.Search(len(h.recs), func(i int) bool { return h.recs[i].Height >= height })
	if i < len(h.recs) && h.recs[i].Height == height {
		return h.recs[i], true
	}
	return types.RootTransition{}, false
}

// between 返回 (from, to] 区间内的全部转移记录（升序副本）。
// 高度逐块落账，区间内每个高度都应有记录；缺任何一环
// （已淘汰或从未落账）返回 false。
func (h *rootHistory) between(from, to uint64) ([]types.RootTransition, bool) {
	if to <= from {
		return nil, false
	}
	lo := sort.Search(len(h.recs), func(i int) bool { return h.recs[i].Height > from })
	hi := sort.Search(len(h.recs), func(i int) bool { return h.recs[i].Height > to })
	span := h.recs[lo:hi]
	if uint64(len(span)) != to-from {
		return nil, false
	}
	out := make([]types.RootTransition, len(span))
	copy(out, span)
	return out, true
}

// latest 最新一条记录
func (h *rootHistory) latest() (types.RootTransition, bool) {
	if len(h.recs) == 0 {
		return types.RootTransition{}, false
	}
	return h.recs[len(h.recs)-1], true
}

// trim 丢弃高度低于 cutoff 的记录
func (h *rootHistory) trim(cutoff uint64) {
	i := sort.Search(len(h.recs), func(i int) bool { return h.recs[i].Height >= cutoff })
	if i == 0 {
		return
	}
	h.recs = append(h.recs[:0], h.recs[i:]...)
}

func (h *rootHistory) size() int { return len(h.recs) }
