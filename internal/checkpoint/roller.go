// Package checkpoint periodically compresses a contiguous range of records
// into a signed Merkle root. Each checkpoint references the previous root, so
// checkpoints form their own hash-linked sequence above the record chains.
package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trustledger/internal/store"
	"trustledger/pkg/canonical"
	"trustledger/pkg/ids"
	"trustledger/pkg/ledger"
	"trustledger/pkg/merkle"
	"trustledger/pkg/metrics"
	"trustledger/pkg/signer"
)

// MerkleRootMismatch is the literal failure reason VerifyRange reports when a
// recomputed root differs from the stored one. External consumers match on
// this exact string.
const MerkleRootMismatch = "Merkle root mismatch"

// ErrSelfVerification means a freshly signed checkpoint failed its own
// verification. Fatal to that roll; nothing is persisted.
var ErrSelfVerification = errors.New("checkpoint failed self-verification")

// Roller owns one scope's checkpoint sequence. Scope "" covers the whole
// ledger. State machine per roll: Idle -> (time or volume threshold) ->
// Rolling -> Signed -> Idle.
type Roller struct {
	store      store.Store
	signer     signer.Signer
	scope      string
	interval   time.Duration
	maxRecords int
	log        *zap.Logger
	sink       metrics.Sink
	now        func() time.Time

	// serializes rolls: the background loop and manual roll requests share
	// this roller, and two concurrent rolls reading the same previous
	// checkpoint would fork the prev_root chain.
	mu sync.Mutex
}

type Option func(*Roller)

func WithScope(anchorID string) Option { return func(r *Roller) { r.scope = anchorID } }

func WithInterval(d time.Duration) Option { return func(r *Roller) { r.interval = d } }

func WithMaxRecords(n int) Option { return func(r *Roller) { r.maxRecords = n } }

func WithMetrics(s metrics.Sink) Option { return func(r *Roller) { r.sink = s } }

func WithClock(now func() time.Time) Option { return func(r *Roller) { r.now = now } }

func NewRoller(st store.Store, sg signer.Signer, log *zap.Logger, opts ...Option) *Roller {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Roller{
		store:      st,
		signer:     sg,
		interval:   time.Minute,
		maxRecords: 100,
		log:        log,
		sink:       metrics.Nop{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RollOnce creates, signs, self-verifies and persists one checkpoint. Rolls
// on the same roller are serialized.
// startTs defaults to the range end of the previous checkpoint in this
// roller's scope (epoch when none exists); endTs defaults to the moment the roll
// started, never "now at finish", so an in-flight append cannot be reordered
// into the range. Returns ledger.ErrNoNewRecords when the range is empty.
func (r *Roller) RollOnce(ctx context.Context, startTs, endTs *time.Time) (ledger.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Truncate(time.Microsecond)

	prev, err := r.store.LatestCheckpointForScope(ctx, r.scope)
	if err != nil && !errors.Is(err, ledger.ErrNoCheckpoint) {
		return ledger.Checkpoint{}, err
	}

	var since store.Cursor
	switch {
	case startTs != nil:
		since = store.Cursor{TS: startTs.UTC()}
	case prev != nil:
		endRec, err := r.store.GetRecord(ctx, prev.RangeEnd)
		if err != nil {
			return ledger.Checkpoint{}, fmt.Errorf("resolve previous range end: %w", err)
		}
		since = store.Cursor{TS: endRec.TS, ID: endRec.ID}
	}

	until := cutoff
	if endTs != nil {
		until = endTs.UTC()
	}

	recs, err := r.store.RecordsInRange(ctx, r.scope, since, until)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	if len(recs) == 0 {
		return ledger.Checkpoint{}, ledger.ErrNoNewRecords
	}

	hashes := make([]string, 0, len(recs))
	for _, rec := range recs {
		hashes = append(hashes, rec.Hash)
	}

	ckpt := ledger.Checkpoint{
		ID:            ids.NewCheckpointID(),
		AnchorID:      r.scope,
		RangeStart:    recs[0].ID,
		RangeEnd:      recs[len(recs)-1].ID,
		MerkleRoot:    merkle.Root(hashes),
		RecordCount:   len(recs),
		CreatedAt:     r.now().UTC().Truncate(time.Microsecond),
		FormatVersion: ledger.CheckpointFormatVersion,
	}
	if prev != nil {
		ckpt.PrevRoot = prev.MerkleRoot
	}

	msg, err := canonical.CheckpointSigningBytes(ckpt)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	sig, err := r.signer.Sign(msg)
	if err != nil {
		return ledger.Checkpoint{}, fmt.Errorf("sign checkpoint: %w", err)
	}
	ckpt.Signature = base64.StdEncoding.EncodeToString(sig)
	ckpt.SignerKeyID = r.signer.KeyID()

	// Self-verify before anything becomes observable. A checkpoint that
	// cannot verify its own root and signature must never be persisted or
	// returned.
	if reverify := merkle.Root(hashes); reverify != ckpt.MerkleRoot {
		return ledger.Checkpoint{}, fmt.Errorf("%w: %s", ErrSelfVerification, MerkleRootMismatch)
	}
	if !r.signer.Verify(msg, sig) {
		return ledger.Checkpoint{}, fmt.Errorf("%w: signature invalid", ErrSelfVerification)
	}

	if err := r.store.PutCheckpoint(ctx, ckpt); err != nil {
		return ledger.Checkpoint{}, err
	}

	r.sink.Count(metrics.CheckpointRolls, 1)
	r.log.Info("checkpoint rolled",
		zap.String("checkpoint_id", ckpt.ID),
		zap.String("merkle_root", ckpt.MerkleRoot),
		zap.Int("record_count", ckpt.RecordCount),
		zap.String("range_start", ckpt.RangeStart),
		zap.String("range_end", ckpt.RangeEnd))
	return ckpt, nil
}

// VerifyRange independently recomputes the Merkle root over the checkpoint's
// stored record range and checks the stored signature. On success returns
// (true, ""); on a root mismatch the reason is exactly MerkleRootMismatch.
func (r *Roller) VerifyRange(ctx context.Context, ckpt ledger.Checkpoint) (bool, string) {
	recs, err := r.store.RecordRange(ctx, ckpt.AnchorID, ckpt.RangeStart, ckpt.RangeEnd)
	if err != nil {
		return false, err.Error()
	}
	hashes := make([]string, 0, len(recs))
	for _, rec := range recs {
		hashes = append(hashes, rec.Hash)
	}
	if merkle.Root(hashes) != ckpt.MerkleRoot {
		return false, MerkleRootMismatch
	}
	if ckpt.Signature != "" && r.signer != nil && ckpt.SignerKeyID == r.signer.KeyID() {
		msg, err := canonical.CheckpointSigningBytes(ckpt)
		if err != nil {
			return false, err.Error()
		}
		sig, err := base64.StdEncoding.DecodeString(ckpt.Signature)
		if err != nil {
			return false, "signature not decodable"
		}
		if !r.signer.Verify(msg, sig) {
			return false, "signature invalid"
		}
	}
	return true, ""
}

// Run drives the roll loop until ctx is cancelled. Each tick is idempotent:
// it rolls only when the record-count threshold or the time threshold since
// the last checkpoint is met, and skips quietly otherwise.
func (r *Roller) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("checkpoint loop stopped")
			return
		case <-ticker.C:
			if err := r.maybeRoll(ctx); err != nil {
				r.log.Error("checkpoint roll failed", zap.Error(err))
			}
		}
	}
}

func (r *Roller) maybeRoll(ctx context.Context) error {
	due, err := r.thresholdMet(ctx)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	_, err = r.RollOnce(ctx, nil, nil)
	if errors.Is(err, ledger.ErrNoNewRecords) {
		return nil
	}
	return err
}

func (r *Roller) thresholdMet(ctx context.Context) (bool, error) {
	prev, err := r.store.LatestCheckpointForScope(ctx, r.scope)
	if errors.Is(err, ledger.ErrNoCheckpoint) {
		prev = nil
	} else if err != nil {
		return false, err
	}

	var since store.Cursor
	if prev != nil {
		endRec, err := r.store.GetRecord(ctx, prev.RangeEnd)
		if err != nil {
			return false, err
		}
		since = store.Cursor{TS: endRec.TS, ID: endRec.ID}
	}
	pending, err := r.store.RecordsInRange(ctx, r.scope, since, r.now().UTC())
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}
	if len(pending) >= r.maxRecords {
		return true, nil
	}
	if prev == nil {
		// First checkpoint rides the time threshold from the oldest pending
		// record.
		return r.now().UTC().Sub(pending[0].TS) >= r.interval, nil
	}
	return r.now().UTC().Sub(prev.CreatedAt) >= r.interval, nil
}
