package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/pkg/ledger"
)

func mustAppend(t *testing.T, m *Memory, anchor, slot string, kind ledger.Kind, payload map[string]any) ledger.Record {
	t.Helper()
	rec, err := m.Append(context.Background(), AppendInput{
		AnchorID: anchor,
		Slot:     slot,
		Kind:     kind,
		Payload:  payload,
		Producer: "test",
		Version:  "0.0.1",
	})
	require.NoError(t, err)
	return rec
}

func TestAppendBuildsUnbrokenChain(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	a := mustAppend(t, m, "X", "s1", ledger.KindAnchorCreated, map[string]any{"seq": 1.0})
	b := mustAppend(t, m, "X", "s1", ledger.KindSignatureVerified, map[string]any{"seq": 2.0})
	c := mustAppend(t, m, "X", "s1", ledger.KindThresholdApplied, map[string]any{"seq": 3.0})

	assert.Empty(t, a.PrevHash)
	assert.Equal(t, a.Hash, b.PrevHash)
	assert.Equal(t, b.Hash, c.PrevHash)

	chain, err := m.GetChain(ctx, "X")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})

	ok, errs, err := m.VerifyChain(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestVerifyChainReportsTamper(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	mustAppend(t, m, "X", "s1", ledger.KindAnchorCreated, nil)
	b := mustAppend(t, m, "X", "s1", ledger.KindSignatureVerified, nil)
	c := mustAppend(t, m, "X", "s1", ledger.KindThresholdApplied, nil)

	// Overwrite B's stored hash behind the store's back.
	m.mu.Lock()
	tampered := m.records[b.ID]
	tampered.Hash = strings.Repeat("0", 64)
	m.records[b.ID] = tampered
	m.mu.Unlock()

	ok, errs, err := m.VerifyChain(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, errs, 2)

	// One error must reference B's own hash, a second must reference C's
	// now-broken prev_hash link.
	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, b.ID)
	assert.Contains(t, joined, c.ID)
}

func TestEmptyAnchorQueries(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	chain, err := m.GetChain(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, chain)

	ok, errs, err := m.VerifyChain(ctx, "unknown")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestConcurrentAppendsNeverForkChain(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := m.Append(ctx, AppendInput{
					AnchorID: "shared",
					Slot:     "s1",
					Kind:     ledger.KindPolicyDecision,
					Payload:  map[string]any{"writer": float64(w), "i": float64(i)},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	chain, err := m.GetChain(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, chain, writers*perWriter)

	assert.Empty(t, chain[0].PrevHash)
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].Hash, chain[i].PrevHash, "fork at position %d", i)
	}

	ok, errs, err := m.VerifyChain(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, ok, "continuity errors: %v", errs)
}

func TestConcurrentAppendsDistinctAnchorsIndependent(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	anchors := []string{"a1", "a2", "a3", "a4"}
	var wg sync.WaitGroup
	for _, anchor := range anchors {
		wg.Add(1)
		go func(anchor string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := m.Append(ctx, AppendInput{AnchorID: anchor, Slot: "s", Kind: ledger.KindAnchorCreated})
				assert.NoError(t, err)
			}
		}(anchor)
	}
	wg.Wait()

	for _, anchor := range anchors {
		ok, errs, err := m.VerifyChain(ctx, anchor)
		require.NoError(t, err)
		assert.True(t, ok, "anchor %s: %v", anchor, errs)
	}
}

func TestSearchFiltersAndLimit(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	mustAppend(t, m, "X", "slot-a", ledger.KindAnchorCreated, nil)
	mustAppend(t, m, "X", "slot-b", ledger.KindSignatureVerified, nil)
	mustAppend(t, m, "Y", "slot-a", ledger.KindSignatureVerified, nil)
	mustAppend(t, m, "Y", "slot-a", ledger.KindSignatureVerified, nil)

	bySlot, err := m.Search(ctx, SearchFilter{Slot: "slot-a"})
	require.NoError(t, err)
	assert.Len(t, bySlot, 3)

	byKind, err := m.Search(ctx, SearchFilter{Kind: ledger.KindSignatureVerified})
	require.NoError(t, err)
	assert.Len(t, byKind, 3)

	limited, err := m.Search(ctx, SearchFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	// Reverse chronological: the most recent append comes first.
	assert.True(t, !limited[0].TS.Before(limited[1].TS))

	since, err := m.Search(ctx, SearchFilter{Since: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, since)
}

func TestCreateCheckpointOverIDRange(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	a := mustAppend(t, m, "X", "s", ledger.KindAnchorCreated, nil)
	b := mustAppend(t, m, "X", "s", ledger.KindSignatureVerified, nil)
	c := mustAppend(t, m, "X", "s", ledger.KindThresholdApplied, nil)

	ckpt, err := m.CreateCheckpoint(ctx, a.ID, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "X", ckpt.AnchorID)
	assert.Equal(t, 3, ckpt.RecordCount)
	assert.Equal(t, a.ID, ckpt.RangeStart)
	assert.Equal(t, c.ID, ckpt.RangeEnd)
	assert.NotEmpty(t, ckpt.MerkleRoot)
	assert.Empty(t, ckpt.PrevRoot)
	assert.Equal(t, ledger.CheckpointFormatVersion, ckpt.FormatVersion)

	// Second checkpoint for the same scope chains via prev_root.
	second, err := m.CreateCheckpoint(ctx, b.ID, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ckpt.MerkleRoot, second.PrevRoot)

	got, err := m.GetCheckpoint(ctx, ckpt.ID)
	require.NoError(t, err)
	assert.Equal(t, ckpt.MerkleRoot, got.MerkleRoot)

	latest, err := m.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestCreateCheckpointInvalidRange(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	a := mustAppend(t, m, "X", "s", ledger.KindAnchorCreated, nil)
	b := mustAppend(t, m, "X", "s", ledger.KindSignatureVerified, nil)

	_, err := m.CreateCheckpoint(ctx, "rec_missing", b.ID, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidRange)

	_, err = m.CreateCheckpoint(ctx, a.ID, "rec_missing", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidRange)

	// Inverted boundaries are a caller error too.
	_, err = m.CreateCheckpoint(ctx, b.ID, a.ID, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidRange)
}

func TestLatestCheckpointExpectedAbsence(t *testing.T) {
	m := NewMemory(nil)
	_, err := m.LatestCheckpoint(context.Background())
	assert.ErrorIs(t, err, ledger.ErrNoCheckpoint)
}

func TestStatsCounts(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	a := mustAppend(t, m, "X", "s", ledger.KindAnchorCreated, nil)
	mustAppend(t, m, "X", "s", ledger.KindSignatureVerified, nil)
	mustAppend(t, m, "Y", "s", ledger.KindAnchorCreated, nil)

	_, err := m.CreateCheckpoint(ctx, a.ID, a.ID, nil)
	require.NoError(t, err)

	s, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{RecordCount: 3, AnchorCount: 2, CheckpointCount: 1}, s)
}

func TestRecordsInRangeBoundaries(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	a := mustAppend(t, m, "X", "s", ledger.KindAnchorCreated, nil)
	time.Sleep(2 * time.Millisecond)
	b := mustAppend(t, m, "X", "s", ledger.KindSignatureVerified, nil)

	// since is exclusive, until inclusive.
	recs, err := m.RecordsInRange(ctx, "X", Cursor{TS: a.TS, ID: a.ID}, b.TS)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, b.ID, recs[0].ID)

	all, err := m.RecordsInRange(ctx, "", Cursor{}, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordsInRangeSplitsSharedMicrosecond(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	// Two records stamped in the same microsecond, ordered by id.
	ts := time.Now().UTC().Truncate(time.Microsecond)
	first := ledger.Record{ID: "rec_a", AnchorID: "X", Slot: "s", Kind: ledger.KindAnchorCreated, TS: ts, Hash: "h1"}
	second := ledger.Record{ID: "rec_b", AnchorID: "X", Slot: "s", Kind: ledger.KindSignatureVerified, TS: ts, PrevHash: "h1", Hash: "h2"}
	m.mu.Lock()
	for _, rec := range []ledger.Record{first, second} {
		m.records[rec.ID] = rec
		m.chains["X"] = append(m.chains["X"], rec.ID)
		m.order = append(m.order, rec.ID)
	}
	m.mu.Unlock()

	// A full (ts, id) cursor at the first record must still yield the second.
	recs, err := m.RecordsInRange(ctx, "X", Cursor{TS: first.TS, ID: first.ID}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, second.ID, recs[0].ID)

	// An id-less cursor excludes the whole microsecond.
	recs, err = m.RecordsInRange(ctx, "X", Cursor{TS: first.TS}, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLatestCheckpointForScopeIsolatesScopes(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	a := mustAppend(t, m, "A", "s", ledger.KindAnchorCreated, nil)
	scoped, err := m.CreateCheckpoint(ctx, a.ID, a.ID, nil)
	require.NoError(t, err)
	require.Equal(t, "A", scoped.AnchorID)

	// The anchor-scoped checkpoint must not leak into the ledger-wide scope.
	_, err = m.LatestCheckpointForScope(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrNoCheckpoint)

	got, err := m.LatestCheckpointForScope(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, scoped.ID, got.ID)
}
