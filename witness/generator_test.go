package witness

import (
	"errors"
	"fmt"
	"testing"

	"glacier/commitment"
	"glacier/config"
	"glacier/interfaces"
	"glacier/store"
	"glacier/types"
)

func wKey(i int) types.AccountKey {
	return types.KeyFromString(fmt.Sprintf("wacct-%d", i))
}

func wVal(i int) types.Hash {
	return types.DataHash([]byte(fmt.Sprintf("wpayload-%d", i)))
}

// hashMap 账本哈希视图的测试替身
type hashMap map[types.AccountKey]types.Hash

func (m hashMap) DataHashOf(key types.AccountKey) (types.Hash, error) {
	h, ok := m[key]
	if !ok {
		return types.Hash{}, interfaces.ErrAccountNotFound
	}
	return h, nil
}

type harness struct {
	eng    *commitment.Engine
	hashes hashMap
	gen    *Generator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	eng, err := commitment.Open(
		config.CommitmentConfig{Scheme: "merkle", RetainedHeights: 16},
		store.NewMemoryStore(),
	)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	pricing, err := NewPricing("5000", "10")
	if err != nil {
		t.Fatalf("NewPricing: %v", err)
	}
	hashes := hashMap{}
	return &harness{
		eng:    eng,
		hashes: hashes,
		gen:    NewGenerator(eng, hashes, pricing),
	}
}

func newTestVerifier(t *testing.T, h *harness, grace uint64) *Verifier {
	t.Helper()
	v, err := NewVerifier(h.eng, config.WitnessConfig{
		GraceWindowBlocks: grace,
		VerifyWorkers:     4,
		CacheSize:         64,
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

// commit 在给定高度插入一批账户并同步哈希视图
func (h *harness) commit(t *testing.T, height uint64, ids ...int) types.Hash {
	t.Helper()
	batch := make([]commitment.Update, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, commitment.Update{Key: wKey(id), ValueHash: wVal(id), Insert: true})
		h.hashes[wKey(id)] = wVal(id)
	}
	root, err := h.eng.Update(height, batch)
	if err != nil {
		t.Fatalf("Update height %d: %v", height, err)
	}
	return root
}

func TestGeneratorRoundTrip(t *testing.T) {
	h := newHarness(t)
	root := h.commit(t, 1, 1, 2, 3)

	w, err := h.gen.Generate(wKey(2), 1)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if w.Scheme != types.SchemeMerkle || w.Height != 1 {
		t.Fatalf("witness header = %s@%d", w.Scheme, w.Height)
	}
	if w.DataHash != wVal(2) {
		t.Fatalf("witness data hash = %x", w.DataHash)
	}
	if len(w.Proof) == 0 {
		t.Fatal("empty proof")
	}

	v := newTestVerifier(t, h, 0)
	verdict := v.Verify(w, root, 1)
	if !verdict.Accepted || verdict.DataHash != wVal(2) {
		t.Fatalf("verdict = %+v", verdict)
	}

	// 计价：base 5000 + 10/字节
	want := 5000 + 10*int64(len(w.Proof))
	if !h.gen.Quote(w).Equal(feeOf(want)) {
		t.Fatalf("Quote = %s, want %d", h.gen.Quote(w), want)
	}
	if !h.gen.EstimateFee().IsPositive() {
		t.Fatal("EstimateFee must be positive")
	}
}

func TestGeneratorUnknownAccount(t *testing.T) {
	h := newHarness(t)
	h.commit(t, 1, 1)

	// 账本视图里就没有
	if _, err := h.gen.Generate(wKey(9), 1); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("Generate absent: %v, want ErrUnknownAccount", err)
	}

	// 账本视图有、累加器没有
	h.hashes[wKey(8)] = wVal(8)
	if _, err := h.gen.Generate(wKey(8), 1); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("Generate uncommitted: %v, want ErrUnknownAccount", err)
	}
}

func TestGeneratorStaleHeight(t *testing.T) {
	h := newHarness(t)
	h.commit(t, 1, 1)

	if _, err := h.gen.Generate(wKey(1), 99); !errors.Is(err, ErrStaleHeight) {
		t.Fatalf("Generate at unretained height: %v, want ErrStaleHeight", err)
	}

	// 数据在高度 2 变更后，高度 1 的见证不再可发
	if _, err := h.eng.Update(2, []commitment.Update{{Key: wKey(1), ValueHash: wVal(11)}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.hashes[wKey(1)] = wVal(11)
	if _, err := h.gen.Generate(wKey(1), 1); !errors.Is(err, ErrStaleHeight) {
		t.Fatalf("Generate after data change: %v, want ErrStaleHeight", err)
	}
	// 当前高度照常可发
	if _, err := h.gen.Generate(wKey(1), 2); err != nil {
		t.Fatalf("Generate at current height: %v", err)
	}
}

func TestGeneratorExtendChain(t *testing.T) {
	h := newHarness(t)
	h.commit(t, 1, 1)
	h.commit(t, 2, 2)
	h.commit(t, 3, 3)
	h.commit(t, 4, 4)

	w, err := h.gen.Generate(wKey(1), 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := h.gen.ExtendChain(w, 4); err != nil {
		t.Fatalf("ExtendChain: %v", err)
	}
	if len(w.RootChain) != 2 || w.RootChain[0].Height != 3 || w.RootChain[1].Height != 4 {
		t.Fatalf("chain = %+v", w.RootChain)
	}

	// 同高度：链清空
	if err := h.gen.ExtendChain(w, 2); err != nil || w.RootChain != nil {
		t.Fatalf("ExtendChain to own height: %v, chain %+v", err, w.RootChain)
	}
	// 目标低于见证高度
	if err := h.gen.ExtendChain(w, 1); !errors.Is(err, ErrStaleHeight) {
		t.Fatalf("ExtendChain backwards: %v, want ErrStaleHeight", err)
	}
	// 区间未被历史覆盖
	if err := h.gen.ExtendChain(w, 99); !errors.Is(err, ErrStaleHeight) {
		t.Fatalf("ExtendChain beyond history: %v, want ErrStaleHeight", err)
	}
}
