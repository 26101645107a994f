package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trustledger/internal/verifier"
	"trustledger/pkg/canonical"
	"trustledger/pkg/ids"
	"trustledger/pkg/ledger"
	"trustledger/pkg/merkle"
	"trustledger/pkg/metrics"
)

// Memory is the non-durable backend: mutex-protected index structures, no
// I/O. Used for development, tests, and as the degraded fallback when the
// database is unreachable.
type Memory struct {
	sink metrics.Sink

	mu          sync.RWMutex
	records     map[string]ledger.Record
	chains      map[string][]string // anchor -> record ids in append order
	order       []string            // ledger-wide record ids in append order
	checkpoints map[string]ledger.Checkpoint
	ckptOrder   []string

	// one mutex per anchor serializes the read-last-hash -> insert unit
	anchorLocks sync.Map
}

func NewMemory(sink metrics.Sink) *Memory {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Memory{
		sink:        sink,
		records:     map[string]ledger.Record{},
		chains:      map[string][]string{},
		checkpoints: map[string]ledger.Checkpoint{},
	}
}

func (m *Memory) anchorLock(anchorID string) *sync.Mutex {
	l, _ := m.anchorLocks.LoadOrStore(anchorID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *Memory) Append(ctx context.Context, in AppendInput) (ledger.Record, error) {
	started := time.Now()

	lock := m.anchorLock(in.AnchorID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	prevHash := ""
	if chain := m.chains[in.AnchorID]; len(chain) > 0 {
		prevHash = m.records[chain[len(chain)-1]].Hash
	}
	m.mu.RUnlock()

	rec, err := buildRecord(in, prevHash)
	if err != nil {
		return ledger.Record{}, err
	}

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.chains[in.AnchorID] = append(m.chains[in.AnchorID], rec.ID)
	m.order = append(m.order, rec.ID)
	m.mu.Unlock()

	m.sink.Count(metrics.AppendsTotal, 1)
	m.sink.Observe(metrics.AppendSeconds, time.Since(started).Seconds())
	return rec, nil
}

// buildRecord stamps id and timestamp and computes the self-certifying hash.
// Timestamps are truncated to microseconds: Postgres timestamptz stores
// microseconds, and a hash over nanoseconds would stop verifying after a
// round-trip through the durable backend.
func buildRecord(in AppendInput, prevHash string) (ledger.Record, error) {
	rec := ledger.Record{
		ID:        ids.NewRecordID(),
		AnchorID:  in.AnchorID,
		Slot:      in.Slot,
		Kind:      in.Kind,
		TS:        time.Now().UTC().Truncate(time.Microsecond),
		PrevHash:  prevHash,
		Payload:   in.Payload,
		Signature: in.Signature,
		Producer:  in.Producer,
		Version:   in.Version,
	}
	h, err := canonical.RecordHash(rec.ID, rec.AnchorID, rec.Slot, rec.Kind, rec.TS, rec.PrevHash, rec.Payload, rec.Producer, rec.Version)
	if err != nil {
		return ledger.Record{}, err
	}
	rec.Hash = h
	return rec, nil
}

func (m *Memory) GetRecord(ctx context.Context, id string) (ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return ledger.Record{}, ledger.ErrRecordNotFound
	}
	return rec, nil
}

func (m *Memory) GetChain(ctx context.Context, anchorID string) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[anchorID]
	out := make([]ledger.Record, 0, len(chain))
	for _, id := range chain {
		out = append(out, m.records[id])
	}
	return out, nil
}

func (m *Memory) VerifyChain(ctx context.Context, anchorID string) (bool, []string, error) {
	recs, err := m.GetChain(ctx, anchorID)
	if err != nil {
		return false, nil, err
	}
	errs := verifier.ContinuityErrors(recs)
	return len(errs) == 0, errs, nil
}

func (m *Memory) Search(ctx context.Context, f SearchFilter) ([]ledger.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ledger.Record{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.records[m.order[i]]
		if f.Slot != "" && rec.Slot != f.Slot {
			continue
		}
		if f.Kind != "" && rec.Kind != f.Kind {
			continue
		}
		if !f.Since.IsZero() && rec.TS.Before(f.Since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) CreateCheckpoint(ctx context.Context, rangeStartID, rangeEndID string, sig *CheckpointSignature) (ledger.Checkpoint, error) {
	m.mu.RLock()
	start, ok := m.records[rangeStartID]
	if !ok {
		m.mu.RUnlock()
		return ledger.Checkpoint{}, ledger.ErrInvalidRange
	}
	m.mu.RUnlock()

	recs, err := m.RecordRange(ctx, start.AnchorID, rangeStartID, rangeEndID)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	hashes := make([]string, 0, len(recs))
	for _, r := range recs {
		hashes = append(hashes, r.Hash)
	}

	prevRoot := ""
	if prev, err := m.latestForScope(start.AnchorID); err == nil {
		prevRoot = prev.MerkleRoot
	}

	ckpt := ledger.Checkpoint{
		ID:            ids.NewCheckpointID(),
		AnchorID:      start.AnchorID,
		RangeStart:    rangeStartID,
		RangeEnd:      rangeEndID,
		MerkleRoot:    merkle.Root(hashes),
		PrevRoot:      prevRoot,
		RecordCount:   len(recs),
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
		FormatVersion: ledger.CheckpointFormatVersion,
	}
	if sig != nil {
		ckpt.Signature = sig.Signature
		ckpt.SignerKeyID = sig.SignerKeyID
	}
	if err := m.PutCheckpoint(ctx, ckpt); err != nil {
		return ledger.Checkpoint{}, err
	}
	return ckpt, nil
}

func (m *Memory) PutCheckpoint(ctx context.Context, c ledger.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkpoints[c.ID]; !exists {
		m.ckptOrder = append(m.ckptOrder, c.ID)
	}
	m.checkpoints[c.ID] = c
	return nil
}

func (m *Memory) GetCheckpoint(ctx context.Context, id string) (ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkpoints[id]
	if !ok {
		return ledger.Checkpoint{}, ledger.ErrCheckpointNotFound
	}
	return c, nil
}

func (m *Memory) LatestCheckpoint(ctx context.Context) (*ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ckptOrder) == 0 {
		return nil, ledger.ErrNoCheckpoint
	}
	c := m.checkpoints[m.ckptOrder[len(m.ckptOrder)-1]]
	return &c, nil
}

func (m *Memory) LatestCheckpointForScope(ctx context.Context, anchorID string) (*ledger.Checkpoint, error) {
	c, err := m.latestForScope(anchorID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m *Memory) latestForScope(anchorID string) (ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.ckptOrder) - 1; i >= 0; i-- {
		c := m.checkpoints[m.ckptOrder[i]]
		if c.AnchorID == anchorID {
			return c, nil
		}
	}
	return ledger.Checkpoint{}, ledger.ErrNoCheckpoint
}

func (m *Memory) RecordsInRange(ctx context.Context, anchorID string, since Cursor, until time.Time) ([]ledger.Record, error) {
	m.mu.RLock()
	out := []ledger.Record{}
	for _, id := range m.order {
		rec := m.records[id]
		if anchorID != "" && rec.AnchorID != anchorID {
			continue
		}
		if !since.Before(rec) {
			continue
		}
		if !until.IsZero() && rec.TS.After(until) {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TS.Equal(out[j].TS) {
			return out[i].ID < out[j].ID
		}
		return out[i].TS.Before(out[j].TS)
	})
	return out, nil
}

func (m *Memory) RecordRange(ctx context.Context, anchorID, startID, endID string) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pool []string
	if anchorID != "" {
		pool = m.chains[anchorID]
	} else {
		pool = m.order
	}
	startIdx, endIdx := -1, -1
	for i, id := range pool {
		if id == startID {
			startIdx = i
		}
		if id == endID {
			endIdx = i
		}
	}
	if startIdx < 0 || endIdx < 0 || endIdx < startIdx {
		return nil, ledger.ErrInvalidRange
	}
	out := make([]ledger.Record, 0, endIdx-startIdx+1)
	for _, id := range pool[startIdx : endIdx+1] {
		out = append(out, m.records[id])
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		RecordCount:     len(m.records),
		AnchorCount:     len(m.chains),
		CheckpointCount: len(m.checkpoints),
	}, nil
}

func (m *Memory) Close() {}
