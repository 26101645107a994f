// Package store owns the persisted ledger state. Two interchangeable
// backends satisfy the same contract: an in-process map store for
// development and tests, and a Postgres store for durability. Both are
// append-only; no update or delete is ever issued against a record or a
// checkpoint.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trustledger/internal/config"
	"trustledger/pkg/ledger"
	"trustledger/pkg/metrics"
)

// AppendInput carries the caller-supplied fields of a new record. The store
// fills in id, timestamp, prev_hash and hash.
type AppendInput struct {
	AnchorID  string
	Slot      string
	Kind      ledger.Kind
	Payload   map[string]any
	Producer  string
	Version   string
	Signature string
}

// SearchFilter narrows Search results. Zero values mean "any".
type SearchFilter struct {
	Slot  string
	Kind  ledger.Kind
	Since time.Time
	Limit int
}

// DefaultSearchLimit bounds Search when the caller does not.
const DefaultSearchLimit = 100

// CheckpointSignature is an externally supplied signature for checkpoints
// created through CreateCheckpoint rather than the roller.
type CheckpointSignature struct {
	Signature   string
	SignerKeyID string
}

// Cursor marks a position in the (ts, id) order both backends sort by. The
// zero cursor is before every record. A cursor without an id compares on
// timestamp alone, which matters when two records share a microsecond: an
// id-less cursor excludes the whole microsecond, a full cursor splits it.
type Cursor struct {
	TS time.Time
	ID string
}

// Before reports whether the cursor position is strictly before rec.
func (c Cursor) Before(rec ledger.Record) bool {
	if c.TS.IsZero() {
		return true
	}
	if rec.TS.After(c.TS) {
		return true
	}
	if c.ID == "" {
		return false
	}
	return rec.TS.Equal(c.TS) && rec.ID > c.ID
}

type Stats struct {
	RecordCount     int `json:"record_count"`
	AnchorCount     int `json:"anchor_count"`
	CheckpointCount int `json:"checkpoint_count"`
}

// Store is the append-only ledger contract shared by both backends.
//
// Append serializes concurrent calls per anchor: the read of the anchor's
// last hash and the insert of the new record form one atomic unit, so two
// racing appends can never fork a chain. Appends to distinct anchors do not
// block each other. Reads observe fully committed records only.
type Store interface {
	Append(ctx context.Context, in AppendInput) (ledger.Record, error)
	GetRecord(ctx context.Context, id string) (ledger.Record, error)
	GetChain(ctx context.Context, anchorID string) ([]ledger.Record, error)
	VerifyChain(ctx context.Context, anchorID string) (bool, []string, error)
	Search(ctx context.Context, f SearchFilter) ([]ledger.Record, error)

	CreateCheckpoint(ctx context.Context, rangeStartID, rangeEndID string, sig *CheckpointSignature) (ledger.Checkpoint, error)
	PutCheckpoint(ctx context.Context, c ledger.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (ledger.Checkpoint, error)
	LatestCheckpoint(ctx context.Context) (*ledger.Checkpoint, error)
	// LatestCheckpointForScope returns the newest checkpoint whose anchor_id
	// equals anchorID. Scope "" selects ledger-wide checkpoints only, never
	// anchor-scoped ones.
	LatestCheckpointForScope(ctx context.Context, anchorID string) (*ledger.Checkpoint, error)

	// RecordsInRange returns records after since and with ts <= until,
	// ordered by (ts, id). Empty anchorID means ledger-wide.
	RecordsInRange(ctx context.Context, anchorID string, since Cursor, until time.Time) ([]ledger.Record, error)
	// RecordRange resolves an inclusive id range in chronological order.
	// Empty anchorID means ledger-wide. Returns ledger.ErrInvalidRange when
	// either boundary id is not found.
	RecordRange(ctx context.Context, anchorID, startID, endID string) ([]ledger.Record, error)

	Stats(ctx context.Context) (Stats, error)
	Close()
}

// Open selects a backend per cfg.Backend and returns it with the backend
// name actually chosen. With "auto", an unreachable database degrades to the
// in-memory store: durability is lost, invariants are not, and the fallback
// is announced through the log and the fallback counter instead of failing
// the process.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, sink metrics.Sink) (Store, string) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(sink), config.BackendMemory
	case config.BackendPostgres, config.BackendAuto:
		pg, err := NewPostgres(ctx, cfg.DatabaseURL, cfg.DBTimeout, sink)
		if err == nil {
			return pg, config.BackendPostgres
		}
		if cfg.Backend == config.BackendPostgres {
			log.Fatal("postgres backend unavailable", zap.Error(err))
		}
		log.Warn("postgres unavailable, falling back to in-memory store", zap.Error(err))
		sink.Count(metrics.StoreFallbacks, 1)
		return NewMemory(sink), config.BackendMemory
	default:
		log.Fatal("unknown backend", zap.String("backend", cfg.Backend))
		return nil, ""
	}
}
