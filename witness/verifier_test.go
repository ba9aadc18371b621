package witness

import (
	"testing"

	"glacier/types"
)

func mustGenerate(t *testing.T, h *harness, id int, height uint64) *types.Witness {
	t.Helper()
	w, err := h.gen.Generate(wKey(id), height)
	if err != nil {
		t.Fatalf("Generate key %d at %d: %v", id, height, err)
	}
	return w
}

func TestVerifierStrictAccept(t *testing.T) {
	h := newHarness(t)
	root := h.commit(t, 1, 1, 2)
	v := newTestVerifier(t, h, 0)

	w := mustGenerate(t, h, 1, 1)
	verdict := v.Verify(w, root, 1)
	if !verdict.Accepted {
		t.Fatalf("verdict = %+v", verdict)
	}
	if verdict.DataHash != wVal(1) {
		t.Fatalf("accepted hash = %x, want %x", verdict.DataHash, wVal(1))
	}
}

func TestVerifierRejectReasons(t *testing.T) {
	h := newHarness(t)
	root := h.commit(t, 1, 1)
	v := newTestVerifier(t, h, 0)

	t.Run("tampered data hash", func(t *testing.T) {
		w := mustGenerate(t, h, 1, 1)
		w.DataHash = wVal(99)
		verdict := v.Verify(w, root, 1)
		if verdict.Accepted || verdict.Reason != types.ReasonRootMismatch {
			t.Fatalf("verdict = %+v, want RootMismatch", verdict)
		}
	})

	t.Run("garbage proof", func(t *testing.T) {
		w := mustGenerate(t, h, 1, 1)
		w.Proof = []byte{0xDE, 0xAD}
		verdict := v.Verify(w, root, 1)
		if verdict.Accepted || verdict.Reason != types.ReasonMalformedProof {
			t.Fatalf("verdict = %+v, want MalformedProof", verdict)
		}
	})

	t.Run("empty witness", func(t *testing.T) {
		verdict := v.Verify(nil, root, 1)
		if verdict.Accepted || verdict.Reason != types.ReasonMalformedProof {
			t.Fatalf("verdict = %+v, want MalformedProof", verdict)
		}
		verdict = v.Verify(&types.Witness{AccountKey: wKey(1), Scheme: types.SchemeMerkle, Height: 1}, root, 1)
		if verdict.Accepted || verdict.Reason != types.ReasonMalformedProof {
			t.Fatalf("no-proof verdict = %+v, want MalformedProof", verdict)
		}
	})

	t.Run("unknown scheme", func(t *testing.T) {
		w := mustGenerate(t, h, 1, 1)
		w.Scheme = types.SchemeKZG // 校验器跑的是 merkle
		verdict := v.Verify(w, root, 1)
		if verdict.Accepted || verdict.Reason != types.ReasonUnknownScheme {
			t.Fatalf("verdict = %+v, want UnknownScheme", verdict)
		}
		w.Scheme = types.SchemeID(99)
		verdict = v.Verify(w, root, 1)
		if verdict.Accepted || verdict.Reason != types.ReasonUnknownScheme {
			t.Fatalf("verdict = %+v, want UnknownScheme", verdict)
		}
	})

	t.Run("wrong root", func(t *testing.T) {
		w := mustGenerate(t, h, 1, 1)
		verdict := v.Verify(w, wVal(7), 1)
		if verdict.Accepted || verdict.Reason != types.ReasonRootMismatch {
			t.Fatalf("verdict = %+v, want RootMismatch", verdict)
		}
	})
}

func TestVerifierStrictHeightPolicy(t *testing.T) {
	h := newHarness(t)
	h.commit(t, 1, 1)
	w := mustGenerate(t, h, 1, 1)
	root2 := h.commit(t, 2, 2)
	v := newTestVerifier(t, h, 0)

	// 严格策略：高度 1 的见证对高度 2 的根无效
	verdict := v.Verify(w, root2, 2)
	if verdict.Accepted || verdict.Reason != types.ReasonExpiredHeight {
		t.Fatalf("stale witness verdict = %+v, want ExpiredHeight", verdict)
	}

	// 未来高度同样拒绝
	w2 := mustGenerate(t, h, 2, 2)
	verdict = v.Verify(w2, root2, 1)
	if verdict.Accepted || verdict.Reason != types.ReasonExpiredHeight {
		t.Fatalf("future witness verdict = %+v, want ExpiredHeight", verdict)
	}
}

func TestVerifierGraceWindow(t *testing.T) {
	h := newHarness(t)
	h.commit(t, 1, 1)
	h.commit(t, 2, 2)
	w := mustGenerate(t, h, 1, 2)
	h.commit(t, 3, 3)
	h.commit(t, 4, 4)
	root5 := h.commit(t, 5, 5)
	v := newTestVerifier(t, h, 8)

	// 无链不放行
	verdict := v.Verify(w, root5, 5)
	if verdict.Accepted || verdict.Reason != types.ReasonExpiredHeight {
		t.Fatalf("chainless verdict = %+v, want ExpiredHeight", verdict)
	}

	// 补上完整转移链后通过
	if err := h.gen.ExtendChain(w, 5); err != nil {
		t.Fatalf("ExtendChain: %v", err)
	}
	verdict = v.Verify(w, root5, 5)
	if !verdict.Accepted {
		t.Fatalf("chained verdict = %+v", verdict)
	}

	// 链被截断
	truncated := *w
	truncated.RootChain = w.RootChain[:2]
	verdict = v.Verify(&truncated, root5, 5)
	if verdict.Accepted || verdict.Reason != types.ReasonExpiredHeight {
		t.Fatalf("truncated chain verdict = %+v, want ExpiredHeight", verdict)
	}

	// 链环被篡改：与本地记录不符
	forged := *w
	forged.RootChain = append([]types.RootTransition(nil), w.RootChain...)
	forged.RootChain[1].Root = wVal(66)
	verdict = v.Verify(&forged, root5, 5)
	if verdict.Accepted || verdict.Reason != types.ReasonRootMismatch {
		t.Fatalf("forged chain verdict = %+v, want RootMismatch", verdict)
	}

	// 链终点不等于受信根
	verdict = v.Verify(w, wVal(7), 5)
	if verdict.Accepted || verdict.Reason != types.ReasonRootMismatch {
		t.Fatalf("wrong trusted root verdict = %+v, want RootMismatch", verdict)
	}
}

func TestVerifierGraceBounds(t *testing.T) {
	h := newHarness(t)
	h.commit(t, 1, 1)
	w := mustGenerate(t, h, 1, 1)
	var root types.Hash
	for hgt := uint64(2); hgt <= 6; hgt++ {
		root = h.commit(t, hgt, int(hgt))
	}
	v := newTestVerifier(t, h, 2)

	// 落后 5 块 > 宽限 2 块，链再完整也不行
	if err := h.gen.ExtendChain(w, 6); err != nil {
		t.Fatalf("ExtendChain: %v", err)
	}
	verdict := v.Verify(w, root, 6)
	if verdict.Accepted || verdict.Reason != types.ReasonExpiredHeight {
		t.Fatalf("beyond-grace verdict = %+v, want ExpiredHeight", verdict)
	}

	// 宽限窗口内、见证恰为受信高度：无需链
	w6 := mustGenerate(t, h, 6, 6)
	verdict = v.Verify(w6, root, 6)
	if !verdict.Accepted {
		t.Fatalf("same-height verdict = %+v", verdict)
	}
}

func TestVerifierCacheReusesVerdict(t *testing.T) {
	h := newHarness(t)
	root := h.commit(t, 1, 1)
	v := newTestVerifier(t, h, 0)

	w := mustGenerate(t, h, 1, 1)
	if verdict := v.Verify(w, root, 1); !verdict.Accepted {
		t.Fatalf("first verdict = %+v", verdict)
	}

	// 同 (键, 高度, 哈希) 的结论已被缓存：证明字节不再重查。
	// 该声明已被首个有效证明坐实，缓存命中是语义等价的捷径。
	dup := *w
	dup.Proof = []byte{0xBA, 0xD0}
	if verdict := v.Verify(&dup, root, 1); !verdict.Accepted {
		t.Fatalf("cached verdict = %+v", verdict)
	}

	// 改动数据哈希即脱离缓存键，照常走完整校验并被拒
	tampered := *w
	tampered.DataHash = wVal(42)
	if verdict := v.Verify(&tampered, root, 1); verdict.Accepted {
		t.Fatalf("tampered hash must not hit cache: %+v", verdict)
	}
}

func TestVerifierBatch(t *testing.T) {
	h := newHarness(t)
	root := h.commit(t, 1, 1, 2, 3, 4, 5, 6, 7, 8)
	v := newTestVerifier(t, h, 0)

	ws := make([]*types.Witness, 0, 10)
	for i := 1; i <= 8; i++ {
		ws = append(ws, mustGenerate(t, h, i, 1))
	}
	// 一条篡改、一条留空
	ws[3].DataHash = wVal(99)
	ws = append(ws, nil)

	verdicts := v.VerifyBatch(ws, root, 1)
	if len(verdicts) != len(ws) {
		t.Fatalf("verdicts = %d, want %d", len(verdicts), len(ws))
	}
	for i, verdict := range verdicts {
		switch {
		case i == 3:
			if verdict.Accepted || verdict.Reason != types.ReasonRootMismatch {
				t.Fatalf("verdict[3] = %+v, want RootMismatch", verdict)
			}
		case i == len(verdicts)-1:
			// nil 条目：零值裁决
			if verdict.Accepted || verdict.Reason != types.ReasonNone {
				t.Fatalf("nil verdict = %+v", verdict)
			}
		default:
			if !verdict.Accepted {
				t.Fatalf("verdict[%d] = %+v", i, verdict)
			}
		}
	}

	// 空批
	if out := v.VerifyBatch(nil, root, 1); len(out) != 0 {
		t.Fatalf("empty batch verdicts = %d", len(out))
	}
}

// 校验失败不得在引擎侧留任何痕迹
func TestVerifierRejectionSideEffectFree(t *testing.T) {
	h := newHarness(t)
	root := h.commit(t, 1, 1)
	v := newTestVerifier(t, h, 0)

	before, _, ok := h.eng.LatestRoot()
	if !ok {
		t.Fatal("engine has no root")
	}

	w := mustGenerate(t, h, 1, 1)
	w.DataHash = wVal(77)
	if verdict := v.Verify(w, root, 1); verdict.Accepted {
		t.Fatalf("verdict = %+v", verdict)
	}

	after, hgt, _ := h.eng.LatestRoot()
	if after != before || hgt != 1 {
		t.Fatalf("rejection mutated engine state: %x@%d", after, hgt)
	}
	if got, err := h.eng.RootAt(1); err != nil || got != root {
		t.Fatalf("RootAt(1) = %x, %v", got, err)
	}
}

func TestVerifierBatchMatchesSingle(t *testing.T) {
	h := newHarness(t)
	root := h.commit(t, 1, 1, 2, 3, 4)
	vBatch := newTestVerifier(t, h, 0)
	vSingle := newTestVerifier(t, h, 0)

	ws := []*types.Witness{
		mustGenerate(t, h, 1, 1),
		mustGenerate(t, h, 2, 1),
		mustGenerate(t, h, 3, 1),
		mustGenerate(t, h, 4, 1),
	}
	ws[1].Proof = []byte{1}

	batch := vBatch.VerifyBatch(ws, root, 1)
	for i, w := range ws {
		single := vSingle.Verify(w, root, 1)
		if batch[i].Accepted != single.Accepted || batch[i].Reason != single.Reason {
			t.Fatalf("verdict[%d] diverged: batch %+v vs single %+v", i, batch[i], single)
		}
	}
}
