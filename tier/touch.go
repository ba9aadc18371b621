// tier/touch.go
// 触碰表：账户最近访问高度的内存表，锁分段降热点。
// 降级扫描只看这张表，不全量扫账户存储。
package tier

import (
	"sync"

	"glacier/types"
	"glacier/utils"
)

// touchStripe 单个分段：一把锁 + 一张键→最近访问高度的表
type touchStripe struct {
	mu   sync.RWMutex
	last map[types.AccountKey]uint64
}

// touchTable 分段触碰表。分段下标由 murmur3 决定。
type touchTable struct {
	stripes []*touchStripe
}

func newTouchTable(stripes int) *touchTable {
	if stripes <= 0 {
		stripes = 1
	}
	t := &touchTable{stripes: make([]*touchStripe, stripes)}
	for i := range t.stripes {
		t.stripes[i] = &touchStripe{last: make(map[types.AccountKey]uint64, 256)}
	}
	return t
}

func (t *touchTable) stripe(key types.AccountKey) *touchStripe {
	return t.stripes[utils.StripeIndex(key[:], len(t.stripes))]
}

// set 记录一次访问；高度只前进不后退
func (t *touchTable) set(key types.AccountKey, height uint64) {
	s := t.stripe(key)
	s.mu.Lock()
	if height > s.last[key] {
		s.last[key] = height
	}
	s.mu.Unlock()
}

// get 最近访问高度；未跟踪返回 false
func (t *touchTable) get(key types.AccountKey) (uint64, bool) {
	s := t.stripe(key)
	s.mu.RLock()
	h, ok := s.last[key]
	s.mu.RUnlock()
	return h, ok
}

// remove 停止跟踪（账户降级出热集后触碰表不再负责它）
func (t *touchTable) remove(key types.AccountKey) {
	s := t.stripe(key)
	s.mu.Lock()
	delete(s.last, key)
	s.mu.Unlock()
}

// idleBefore 收集最近访问高度 <= cutoff 的全部键（降级候选）
func (t *touchTable) idleBefore(cutoff uint64) []types.AccountKey {
	var out []types.AccountKey
	for _, s := range t.stripes {
		s.mu.RLock()
		for k, h := range s.last {
			if h <= cutoff {
				out = append(out, k)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// size 跟踪中的键数量（观测用）
func (t *touchTable) size() int {
	n := 0
	for _, s := range t.stripes {
		s.mu.RLock()
		n += len(s.last)
		s.mu.RUnlock()
	}
	return n
}
