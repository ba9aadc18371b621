package kzg

import (
	"glacier/types"
)

// ============================================
// 键 -> (段, 槽) 注册表
// ============================================

// slotEntry 一个键的一次入驻。键删除后槽位作废不回收，
// 序号只增，保证历史高度上的指派稳定。
type slotEntry struct {
	segment int
	slot    int
	since   uint64 // 生效高度
	until   uint64 // 删除高度；0 表示仍然有效
}

// liveAt 该入驻在高度 h 是否有效
func (e slotEntry) liveAt(h uint64) bool {
	return e.since <= h && (e.until == 0 || h < e.until)
}

// registry 槽位注册表。同一键可多次入驻（删除后重插拿新槽），
// 历史入驻保留到删除高度滑出保留窗口为止。
type registry struct {
	entries map[types.AccountKey][]slotEntry
	next    int // 下一个全局序号
}

func newRegistry() *registry {
	return &registry{entries: make(map[types.AccountKey][]slotEntry)}
}

// live 当前有效的入驻
func (r *registry) live(key types.AccountKey) (slotEntry, bool) {
	es := r.entries[key]
	if len(es) == 0 {
		return slotEntry{}, false
	}
	last := es[len(es)-1]
	if last.until != 0 {
		return slotEntry{}, false
	}
	return last, true
}

// lookupAt 高度 h 时的入驻
func (r *registry) lookupAt(key types.AccountKey, h uint64) (slotEntry, bool) {
	for _, e := range r.entries[key] {
		if e.liveAt(h) {
			return e, true
		}
	}
	return slotEntry{}, false
}

// reserve 预留下一个序号对应的 (段, 槽)，不落账
func (r *registry) reserve(offset int, segmentSize int) (segment, slot int) {
	ord := r.next + offset
	return ord / segmentSize, ord % segmentSize
}

// commitAssign 落账一次新入驻（调用方已通过 reserve 规划好）
func (r *registry) commitAssign(key types.AccountKey, segment, slot int, height uint64) {
	r.entries[key] = append(r.entries[key], slotEntry{
		segment: segment,
		slot:    slot,
		since:   height,
	})
	r.next++
}

// retire 在高度 h 作废当前有效入驻
func (r *registry) retire(key types.AccountKey, h uint64) {
	es := r.entries[key]
	if len(es) == 0 {
		return
	}
	es[len(es)-1].until = h
}

// sweep 丢弃删除高度已滑出保留窗口的历史入驻
func (r *registry) sweep(oldestRetained uint64) {
	for key, es := range r.entries {
		kept := es[:0]
		for _, e := range es {
			if e.until != 0 && e.until <= oldestRetained {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.entries, key)
		} else {
			r.entries[key] = kept
		}
	}
}
