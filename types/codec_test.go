package types

import (
	"bytes"
	"testing"
)

func TestWitnessCodecRoundTrip(t *testing.T) {
	w := &Witness{
		AccountKey: KeyFromString("acct-w"),
		DataHash:   DataHash([]byte("payload")),
		Scheme:     SchemeMerkle,
		Height:     42,
		Proof:      []byte{0xde, 0xad, 0xbe, 0xef},
		RootChain: []RootTransition{
			{Height: 43, Parent: DataHash([]byte("p")), Root: DataHash([]byte("r"))},
		},
	}
	raw, err := w.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeWitness(raw)
	if err != nil {
		t.Fatalf("DecodeWitness() error = %v", err)
	}
	if got.AccountKey != w.AccountKey || got.Height != w.Height || got.Scheme != w.Scheme {
		t.Fatalf("witness header mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Proof, w.Proof) {
		t.Fatal("proof bytes mismatch")
	}
	if len(got.RootChain) != 1 || got.RootChain[0].Height != 43 {
		t.Fatalf("root chain mismatch: %+v", got.RootChain)
	}
}

func TestDecodeWitnessMalformed(t *testing.T) {
	if _, err := DecodeWitness([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for malformed witness bytes")
	}
}

func TestStubCodecRoundTrip(t *testing.T) {
	s := &AccountStub{
		Key:         KeyFromString("acct-s"),
		DataHash:    DataHash([]byte("body")),
		Owner:       KeyFromString("owner"),
		Lamports:    777,
		Tier:        TierArchive,
		LocationRef: []byte("shard03/0xabcdef"),
		StubHeight:  120,
	}
	raw, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeStub(raw)
	if err != nil {
		t.Fatalf("DecodeStub() error = %v", err)
	}
	if got.Key != s.Key || got.Tier != s.Tier || got.Lamports != s.Lamports {
		t.Fatalf("stub mismatch: got %+v", got)
	}
	if !bytes.Equal(got.LocationRef, s.LocationRef) {
		t.Fatal("location ref mismatch")
	}
}

func TestExpiryRecordCodecRoundTrip(t *testing.T) {
	r := &ExpiryRecord{
		Key:                KeyFromString("acct-e"),
		LastTouch:          99,
		Horizon:            199,
		Preserved:          true,
		PreservationEscrow: 5000,
	}
	raw, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeExpiryRecord(raw)
	if err != nil {
		t.Fatalf("DecodeExpiryRecord() error = %v", err)
	}
	if got.Horizon != r.Horizon || !got.Preserved || got.PreservationEscrow != 5000 {
		t.Fatalf("expiry record mismatch: got %+v", got)
	}
	if !got.Due(199) || got.Due(198) {
		t.Fatal("Due() horizon boundary is inclusive at Horizon")
	}
}

func TestBlockOutcomeCodecRoundTrip(t *testing.T) {
	o := &BlockOutcome{
		Height:  310,
		NewRoot: DataHash([]byte("root")),
		Transitions: []TierTransition{
			{Key: KeyFromString("a"), From: TierCold, To: TierHot, Height: 310, Reason: TransitionThaw},
		},
		Debits: []PreservationDebit{
			{Key: KeyFromString("b"), Amount: 12, Height: 310, Exhausted: false},
		},
		Rejected: []RejectedTx{
			{TxIndex: 3, Key: KeyFromString("c"), Reason: ReasonRootMismatch},
		},
	}
	raw, err := o.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeBlockOutcome(raw)
	if err != nil {
		t.Fatalf("DecodeBlockOutcome() error = %v", err)
	}
	if got.NewRoot != o.NewRoot || len(got.Transitions) != 1 || len(got.Debits) != 1 {
		t.Fatalf("outcome mismatch: got %+v", got)
	}
	if got.Rejected[0].Reason != ReasonRootMismatch {
		t.Fatalf("reason code mismatch: got %v", got.Rejected[0].Reason)
	}
}
