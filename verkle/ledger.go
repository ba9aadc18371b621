package verkle

import (
	"errors"
	"fmt"
	"math/bits"

	"glacier/store"
)

// ============================================
// Stem 台账
// ============================================

// stemEntry 单个 stem 的后缀占用位图与 Pedersen 指纹。
// 位图决定叶子回收时机（归零即整叶删除），指纹供一致性核对。
type stemEntry struct {
	bits   [StemWidth / 8]byte
	commit []byte
}

func (e *stemEntry) clone() *stemEntry {
	c := &stemEntry{bits: e.bits}
	c.commit = append([]byte(nil), e.commit...)
	return c
}

func (e *stemEntry) has(suffix byte) bool {
	return e.bits[suffix/8]&(1<<(suffix%8)) != 0
}

func (e *stemEntry) set(suffix byte) {
	e.bits[suffix/8] |= 1 << (suffix % 8)
}

func (e *stemEntry) clear(suffix byte) {
	e.bits[suffix/8] &^= 1 << (suffix % 8)
}

// live 仍被占用的后缀数量
func (e *stemEntry) live() int {
	n := 0
	for _, b := range e.bits {
		n += bits.OnesCount8(b)
	}
	return n
}

// encode 持久化格式：[位图 32B][Pedersen 承诺 32B]
func (e *stemEntry) encode() []byte {
	buf := make([]byte, len(e.bits)+CommitmentSize)
	copy(buf, e.bits[:])
	copy(buf[len(e.bits):], e.commit)
	return buf
}

func decodeStemEntry(data []byte) (*stemEntry, error) {
	if len(data) != StemWidth/8+CommitmentSize {
		return nil, fmt.Errorf("corrupt stem record: %d bytes", len(data))
	}
	e := &stemEntry{}
	copy(e.bits[:], data[:StemWidth/8])
	e.commit = append([]byte(nil), data[StemWidth/8:]...)
	return e, nil
}

// stemLedger 全部活跃 stem 的案台。批次执行期间只改暂存副本，
// 落库成功后才并入主表，失败的批次零污染。
type stemLedger struct {
	entries map[[StemSize]byte]*stemEntry
}

func newStemLedger() *stemLedger {
	return &stemLedger{entries: make(map[[StemSize]byte]*stemEntry)}
}

func (l *stemLedger) get(stem [StemSize]byte) (*stemEntry, bool) {
	e, ok := l.entries[stem]
	return e, ok
}

// applyStaged 并入暂存修改；nil 条目表示该 stem 已整叶删除
func (l *stemLedger) applyStaged(staged map[[StemSize]byte]*stemEntry) {
	for stem, entry := range staged {
		if entry == nil {
			delete(l.entries, stem)
		} else {
			l.entries[stem] = entry
		}
	}
}

// recover 重启时从存储重建台账：扫描 stem 记录并按最新版本读回
func (l *stemLedger) recover(kv store.VersionedStore) error {
	seen := make(map[string]bool)
	err := kv.Scan([]byte(stemPrefix), func(key []byte, _ store.Version) bool {
		seen[string(key)] = true
		return true
	})
	if err != nil {
		return fmt.Errorf("scan stem records: %w", err)
	}

	for key := range seen {
		raw := []byte(key)
		if len(raw) != len(stemPrefix)+StemSize {
			return fmt.Errorf("malformed stem record key %x", raw)
		}
		val, err := kv.Get(raw, 0)
		if errors.Is(err, store.ErrNotFound) || (err == nil && len(val) == 0) {
			continue // 已删除的 stem
		}
		if err != nil {
			return fmt.Errorf("load stem record %x: %w", raw, err)
		}
		entry, err := decodeStemEntry(val)
		if err != nil {
			return err
		}
		var stem [StemSize]byte
		copy(stem[:], raw[len(stemPrefix):])
		l.entries[stem] = entry
	}
	return nil
}
