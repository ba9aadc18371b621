package kzg

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"glacier/interfaces"
	"glacier/types"
)

const testSegSize = 8

func newTestScheme(t *testing.T, retained int) *Scheme {
	t.Helper()
	s, err := NewScheme(testSegSize, retained)
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	return s
}

func kzgKey(i int) types.AccountKey {
	return types.KeyFromString(fmt.Sprintf("kzg-acct-%d", i))
}

func kzgVal(i int) types.Hash {
	return types.DataHash([]byte(fmt.Sprintf("kzg-payload-%d", i)))
}

func insertN(t *testing.T, s *Scheme, height uint64, n int) types.Hash {
	t.Helper()
	entries := make([]interfaces.SchemeEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = interfaces.SchemeEntry{Key: kzgKey(i), ValueHash: kzgVal(i), Insert: true}
	}
	root, err := s.Apply(height, entries)
	if err != nil {
		t.Fatalf("Apply(%d): %v", height, err)
	}
	return root
}

func TestKZGSchemeID(t *testing.T) {
	s := newTestScheme(t, 0)
	if s.ID() != types.SchemeKZG {
		t.Fatalf("ID = %v, want %v", s.ID(), types.SchemeKZG)
	}
}

func TestKZGApplyProveVerify(t *testing.T) {
	s := newTestScheme(t, 0)
	root := insertN(t, s, 1, 5)

	for i := 0; i < 5; i++ {
		proof, err := s.Prove(1, kzgKey(i))
		if err != nil {
			t.Fatalf("Prove key %d: %v", i, err)
		}
		if err := s.VerifyProof(root, kzgKey(i), kzgVal(i), proof); err != nil {
			t.Fatalf("VerifyProof key %d: %v", i, err)
		}
		// 篡改数据哈希必须被拒绝
		err = s.VerifyProof(root, kzgKey(i), kzgVal(i+100), proof)
		if !errors.Is(err, interfaces.ErrProofMismatch) {
			t.Fatalf("tampered value: got %v, want ErrProofMismatch", err)
		}
	}
}

func TestKZGUpdateHistorical(t *testing.T) {
	s := newTestScheme(t, 0)
	root1 := insertN(t, s, 1, 3)

	newVal := types.DataHash([]byte("kzg-updated"))
	root2, err := s.Apply(2, []interfaces.SchemeEntry{{Key: kzgKey(0), ValueHash: newVal}})
	if err != nil {
		t.Fatalf("Apply(2): %v", err)
	}
	if root1 == root2 {
		t.Fatal("update did not change root")
	}

	oldProof, err := s.Prove(1, kzgKey(0))
	if err != nil {
		t.Fatalf("Prove(1): %v", err)
	}
	if err := s.VerifyProof(root1, kzgKey(0), kzgVal(0), oldProof); err != nil {
		t.Fatalf("historical proof: %v", err)
	}

	newProof, err := s.Prove(2, kzgKey(0))
	if err != nil {
		t.Fatalf("Prove(2): %v", err)
	}
	if err := s.VerifyProof(root2, kzgKey(0), newVal, newProof); err != nil {
		t.Fatalf("current proof: %v", err)
	}

	// 旧证明对新根必须失效
	err = s.VerifyProof(root2, kzgKey(0), kzgVal(0), oldProof)
	if !errors.Is(err, interfaces.ErrProofMismatch) {
		t.Fatalf("old proof vs new root: got %v, want ErrProofMismatch", err)
	}

	// 未变更的键在两个高度都可证明
	for _, tc := range []struct {
		height uint64
		root   types.Hash
	}{{1, root1}, {2, root2}} {
		p, err := s.Prove(tc.height, kzgKey(1))
		if err != nil {
			t.Fatalf("Prove(%d) untouched: %v", tc.height, err)
		}
		if err := s.VerifyProof(tc.root, kzgKey(1), kzgVal(1), p); err != nil {
			t.Fatalf("untouched key at %d: %v", tc.height, err)
		}
	}
}

func TestKZGMultiSegment(t *testing.T) {
	s := newTestScheme(t, 0)
	const n = testSegSize*2 + 3 // 跨三个段
	root := insertN(t, s, 1, n)

	for _, i := range []int{0, testSegSize - 1, testSegSize, n - 1} {
		proof, err := s.Prove(1, kzgKey(i))
		if err != nil {
			t.Fatalf("Prove key %d: %v", i, err)
		}
		if err := s.VerifyProof(root, kzgKey(i), kzgVal(i), proof); err != nil {
			t.Fatalf("VerifyProof key %d: %v", i, err)
		}
	}

	// 只改一个段里的键，其他段的历史证明仍须对新根可用重新生成
	root2, err := s.Apply(2, []interfaces.SchemeEntry{{Key: kzgKey(0), ValueHash: types.DataHash([]byte("x"))}})
	if err != nil {
		t.Fatalf("Apply(2): %v", err)
	}
	proof, err := s.Prove(2, kzgKey(n-1))
	if err != nil {
		t.Fatalf("Prove(2) other segment: %v", err)
	}
	if err := s.VerifyProof(root2, kzgKey(n-1), kzgVal(n-1), proof); err != nil {
		t.Fatalf("other segment after update: %v", err)
	}
}

func TestKZGDeleteLifecycle(t *testing.T) {
	s := newTestScheme(t, 0)
	root1 := insertN(t, s, 1, 4)

	if _, err := s.Apply(2, []interfaces.SchemeEntry{{Key: kzgKey(2), Delete: true}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Prove(2, kzgKey(2)); !errors.Is(err, interfaces.ErrKeyNotFound) {
		t.Fatalf("Prove deleted: got %v, want ErrKeyNotFound", err)
	}
	ok, err := s.Contains(2, kzgKey(2))
	if err != nil || ok {
		t.Fatalf("Contains deleted = (%v, %v), want (false, nil)", ok, err)
	}

	// 删除前的高度仍可证明
	proof, err := s.Prove(1, kzgKey(2))
	if err != nil {
		t.Fatalf("Prove(1) pre-delete: %v", err)
	}
	if err := s.VerifyProof(root1, kzgKey(2), kzgVal(2), proof); err != nil {
		t.Fatalf("pre-delete proof: %v", err)
	}

	// 重新插入走新槽位
	reVal := types.DataHash([]byte("kzg-reborn"))
	root3, err := s.Apply(3, []interfaces.SchemeEntry{{Key: kzgKey(2), ValueHash: reVal, Insert: true}})
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	p3, err := s.Prove(3, kzgKey(2))
	if err != nil {
		t.Fatalf("Prove(3): %v", err)
	}
	if err := s.VerifyProof(root3, kzgKey(2), reVal, p3); err != nil {
		t.Fatalf("re-insert proof: %v", err)
	}

	// 删除未知键整批失败
	if _, err := s.Apply(4, []interfaces.SchemeEntry{{Key: kzgKey(99), Delete: true}}); !errors.Is(err, interfaces.ErrKeyNotFound) {
		t.Fatalf("delete unknown: got %v, want ErrKeyNotFound", err)
	}
}

func TestKZGBlindUpdateRejected(t *testing.T) {
	s := newTestScheme(t, 0)
	root1 := insertN(t, s, 1, 2)

	_, err := s.Apply(2, []interfaces.SchemeEntry{
		{Key: kzgKey(0), ValueHash: types.DataHash([]byte("fine"))},
		{Key: kzgKey(50), ValueHash: kzgVal(50)}, // 无 Insert 标记的未知键
	})
	if !errors.Is(err, interfaces.ErrKeyNotFound) {
		t.Fatalf("blind update: got %v, want ErrKeyNotFound", err)
	}

	// 失败的批次不留任何痕迹
	got, err := s.RootAt(1)
	if err != nil || got != root1 {
		t.Fatalf("RootAt(1) after failed batch = (%x, %v)", got[:4], err)
	}
	if _, err := s.RootAt(2); !errors.Is(err, interfaces.ErrHeightNotRetained) {
		t.Fatalf("RootAt(2) after failed batch: got %v", err)
	}
	if _, err := s.Apply(2, []interfaces.SchemeEntry{{Key: kzgKey(0), ValueHash: kzgVal(9)}}); err != nil {
		t.Fatalf("retry height 2: %v", err)
	}
}

func TestKZGStaleHeight(t *testing.T) {
	s := newTestScheme(t, 0)
	insertN(t, s, 5, 1)

	for _, h := range []uint64{5, 4, 0} {
		_, err := s.Apply(h, []interfaces.SchemeEntry{{Key: kzgKey(0), ValueHash: kzgVal(1)}})
		if !errors.Is(err, ErrStaleHeight) {
			t.Fatalf("Apply(%d): got %v, want ErrStaleHeight", h, err)
		}
	}
}

func TestKZGRetention(t *testing.T) {
	s := newTestScheme(t, 3)
	insertN(t, s, 1, 2)
	for h := uint64(2); h <= 5; h++ {
		if _, err := s.Apply(h, []interfaces.SchemeEntry{{Key: kzgKey(0), ValueHash: types.DataHash([]byte{byte(h)})}}); err != nil {
			t.Fatalf("Apply(%d): %v", h, err)
		}
	}

	// retained=3 只留 3、4、5
	for _, h := range []uint64{1, 2} {
		if _, err := s.RootAt(h); !errors.Is(err, interfaces.ErrHeightNotRetained) {
			t.Fatalf("RootAt(%d): got %v, want ErrHeightNotRetained", h, err)
		}
		if _, err := s.Prove(h, kzgKey(0)); !errors.Is(err, interfaces.ErrHeightNotRetained) {
			t.Fatalf("Prove(%d): got %v, want ErrHeightNotRetained", h, err)
		}
	}
	for _, h := range []uint64{3, 4, 5} {
		if _, err := s.RootAt(h); err != nil {
			t.Fatalf("RootAt(%d): %v", h, err)
		}
	}

	// 显式再收缩
	if err := s.Prune(5); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := s.RootAt(4); !errors.Is(err, interfaces.ErrHeightNotRetained) {
		t.Fatalf("RootAt(4) after prune: got %v", err)
	}
	if _, err := s.RootAt(5); err != nil {
		t.Fatalf("RootAt(5) after prune: %v", err)
	}
}

func TestKZGCrossKeyForgery(t *testing.T) {
	s := newTestScheme(t, 0)
	root := insertN(t, s, 1, 4)

	// 键 0 的证明冒充键 1：期望标量由验证方现算，必然不匹配
	proof, err := s.Prove(1, kzgKey(0))
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	err = s.VerifyProof(root, kzgKey(1), kzgVal(0), proof)
	if !errors.Is(err, interfaces.ErrProofMismatch) {
		t.Fatalf("cross-key proof: got %v, want ErrProofMismatch", err)
	}
	err = s.VerifyProof(root, kzgKey(1), kzgVal(1), proof)
	if !errors.Is(err, interfaces.ErrProofMismatch) {
		t.Fatalf("cross-key proof with own value: got %v, want ErrProofMismatch", err)
	}
}

func TestKZGMalformedProof(t *testing.T) {
	s := newTestScheme(t, 0)
	root := insertN(t, s, 1, 2)

	good, err := s.Prove(1, kzgKey(0))
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}

	cases := [][]byte{
		nil,
		{},
		good[:len(good)-1],               // 截断
		append(bytes.Clone(good), 0xAB),  // 尾随字节
		bytes.Repeat([]byte{0xFF}, len(good)), // G1 解码失败
	}
	// 槽位越界
	bad := bytes.Clone(good)
	bad[4], bad[5] = 0xFF, 0xFF
	cases = append(cases, bad)

	for i, c := range cases {
		err := s.VerifyProof(root, kzgKey(0), kzgVal(0), c)
		if !errors.Is(err, interfaces.ErrMalformedProof) {
			t.Fatalf("case %d: got %v, want ErrMalformedProof", i, err)
		}
	}
}

func TestKZGContains(t *testing.T) {
	s := newTestScheme(t, 0)
	insertN(t, s, 1, 3)

	ok, err := s.Contains(1, kzgKey(1))
	if err != nil || !ok {
		t.Fatalf("Contains known = (%v, %v)", ok, err)
	}
	ok, err = s.Contains(1, kzgKey(42))
	if err != nil || ok {
		t.Fatalf("Contains unknown = (%v, %v)", ok, err)
	}
	if _, err := s.Contains(7, kzgKey(1)); !errors.Is(err, interfaces.ErrHeightNotRetained) {
		t.Fatalf("Contains unretained: got %v", err)
	}
}

func TestKZGRebuildDeterministic(t *testing.T) {
	// 同一键序不同批次切分，根必须一致：引擎重启后按序重放即可复原
	a := newTestScheme(t, 0)
	b := newTestScheme(t, 0)

	const n = testSegSize + 3
	rootA := insertN(t, a, 1, n)

	var first, second []interfaces.SchemeEntry
	for i := 0; i < n; i++ {
		e := interfaces.SchemeEntry{Key: kzgKey(i), ValueHash: kzgVal(i), Insert: true}
		if i < n/2 {
			first = append(first, e)
		} else {
			second = append(second, e)
		}
	}
	if _, err := b.Apply(1, first); err != nil {
		t.Fatalf("Apply first half: %v", err)
	}
	rootB, err := b.Apply(2, second)
	if err != nil {
		t.Fatalf("Apply second half: %v", err)
	}
	if rootA != rootB {
		t.Fatalf("split batches diverge: %x vs %x", rootA[:8], rootB[:8])
	}

	// 两边生成的证明可以互换验证
	pa, err := a.Prove(1, kzgKey(2))
	if err != nil {
		t.Fatalf("Prove a: %v", err)
	}
	if err := b.VerifyProof(rootB, kzgKey(2), kzgVal(2), pa); err != nil {
		t.Fatalf("cross-scheme verify: %v", err)
	}
}

func TestKZGProofSizeHint(t *testing.T) {
	s := newTestScheme(t, 0)
	root := insertN(t, s, 1, testSegSize+1) // 两个段 → 路径一层

	proof, err := s.Prove(1, kzgKey(0))
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if err := s.VerifyProof(root, kzgKey(0), kzgVal(0), proof); err != nil {
		t.Fatalf("VerifyProof: %v", err)
	}
	if len(proof) > s.ProofSizeHint() {
		t.Fatalf("proof %d bytes exceeds hint %d", len(proof), s.ProofSizeHint())
	}
}
