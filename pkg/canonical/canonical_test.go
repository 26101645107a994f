package canonical

import (
	"errors"
	"testing"
	"time"

	"trustledger/pkg/ledger"
)

func TestCanonicalizeInsertionOrderIndependent(t *testing.T) {
	a := map[string]any{
		"a": 1,
		"b": map[string]any{"y": 2.0, "x": 1.0},
	}
	b := map[string]any{
		"b": map[string]any{"x": 1.0, "y": 2.0},
		"a": 1,
	}
	ba, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	bb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if string(ba) != string(bb) {
		t.Fatalf("expected identical bytes:\n%s\n%s", ba, bb)
	}
	if Digest(ba) != Digest(bb) {
		t.Fatalf("expected identical digest")
	}
}

func TestCanonicalizeTimestampsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	local := time.Date(2026, 3, 1, 15, 0, 0, 0, loc)
	utc := local.UTC()

	ba, err := Canonicalize(map[string]any{"ts": local})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	bb, err := Canonicalize(map[string]any{"ts": utc})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if string(ba) != string(bb) {
		t.Fatalf("expected zone-normalized encoding:\n%s\n%s", ba, bb)
	}
}

func TestCanonicalizeRejectsUnsupported(t *testing.T) {
	_, err := Canonicalize(map[string]any{"ch": make(chan int)})
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
}

func TestDigestFixedWidth(t *testing.T) {
	if got := Digest(nil); len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if Digest([]byte("a")) == Digest([]byte("b")) {
		t.Fatal("expected distinct digests")
	}
}

func TestVerifyRecordHashRoundTripAndMutation(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Microsecond)
	rec := ledger.Record{
		ID:       "rec_1",
		AnchorID: "anchor-x",
		Slot:     "slot7",
		Kind:     ledger.KindSignatureVerified,
		TS:       ts,
		PrevHash: "abc123",
		Payload:  map[string]any{"ok": true, "n": 4.0},
		Producer: "tll",
		Version:  "1.2.0",
	}
	h, err := RecordHash(rec.ID, rec.AnchorID, rec.Slot, rec.Kind, rec.TS, rec.PrevHash, rec.Payload, rec.Producer, rec.Version)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec.Hash = h

	ok, err := VerifyRecordHash(rec)
	if err != nil || !ok {
		t.Fatalf("expected unmodified record to verify, ok=%v err=%v", ok, err)
	}

	mutations := map[string]ledger.Record{}

	m := rec
	m.Payload = map[string]any{"ok": false, "n": 4.0}
	mutations["payload"] = m

	m = rec
	m.TS = ts.Add(time.Microsecond)
	mutations["timestamp"] = m

	m = rec
	m.PrevHash = "abc124"
	mutations["prev_hash"] = m

	for name, mut := range mutations {
		ok, err := VerifyRecordHash(mut)
		if err != nil {
			t.Fatalf("%s: unexpected err: %v", name, err)
		}
		if ok {
			t.Fatalf("%s: expected mutated record to fail verification", name)
		}
	}
}

func TestRecordHashAbsentPrevHash(t *testing.T) {
	ts := time.Now().UTC()
	withEmpty, err := RecordHash("rec_1", "a", "s", ledger.KindAnchorCreated, ts, "", nil, "p", "v")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	withSet, err := RecordHash("rec_1", "a", "s", ledger.KindAnchorCreated, ts, "deadbeef", nil, "p", "v")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if withEmpty == withSet {
		t.Fatal("expected prev_hash to participate in the digest")
	}
}

func TestCheckpointSigningBytesExcludesSignature(t *testing.T) {
	c := ledger.Checkpoint{
		ID:            "ckp_1",
		RangeStart:    "rec_1",
		RangeEnd:      "rec_9",
		MerkleRoot:    "root",
		RecordCount:   9,
		CreatedAt:     time.Now().UTC(),
		FormatVersion: ledger.CheckpointFormatVersion,
	}
	plain, err := CheckpointSigningBytes(c)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	c.Signature = "sig"
	c.SignerKeyID = "key"
	signed, err := CheckpointSigningBytes(c)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if string(plain) != string(signed) {
		t.Fatal("signature fields must not change the signing bytes")
	}
}
