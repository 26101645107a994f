package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustledger/internal/verifier"
	"trustledger/pkg/ids"
	"trustledger/pkg/ledger"
	"trustledger/pkg/merkle"
	"trustledger/pkg/metrics"
)

// Both tables are append-only: rows are inserted exactly once and never
// updated or deleted. Records are idempotent on hash, so a retried insert of
// the same record is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS ledger_records (
  id         TEXT PRIMARY KEY,
  anchor_id  TEXT NOT NULL,
  slot       TEXT NOT NULL,
  kind       TEXT NOT NULL,
  ts         TIMESTAMPTZ NOT NULL,
  prev_hash  TEXT NOT NULL DEFAULT '',
  hash       TEXT NOT NULL UNIQUE,
  payload    JSONB NOT NULL,
  signature  TEXT NOT NULL DEFAULT '',
  producer   TEXT NOT NULL DEFAULT '',
  version    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_ledger_records_anchor_ts ON ledger_records(anchor_id, ts);

CREATE TABLE IF NOT EXISTS ledger_checkpoints (
  id             TEXT PRIMARY KEY,
  anchor_id      TEXT NOT NULL DEFAULT '',
  range_start    TEXT NOT NULL,
  range_end      TEXT NOT NULL,
  merkle_root    TEXT NOT NULL,
  prev_root      TEXT NOT NULL DEFAULT '',
  record_count   INT NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL,
  signature      TEXT NOT NULL DEFAULT '',
  signer_key_id  TEXT NOT NULL DEFAULT '',
  format_version TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_checkpoints_created ON ledger_checkpoints(created_at);
`

// Postgres is the durable backend: pooled connections, transactional
// inserts, per-anchor advisory locks.
type Postgres struct {
	db      *pgxpool.Pool
	timeout time.Duration
	sink    metrics.Sink
}

func NewPostgres(ctx context.Context, dsn string, timeout time.Duration, sink metrics.Sink) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	p := &Postgres{db: pool, timeout: timeout, sink: sink}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return &ledger.PersistenceError{Op: "ensure schema", Err: err}
	}
	return nil
}

func (p *Postgres) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Postgres) Append(ctx context.Context, in AppendInput) (ledger.Record, error) {
	started := time.Now()
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return ledger.Record{}, p.persistErr("begin append", err)
	}
	defer tx.Rollback(ctx)

	// Serialize appends per anchor so two racing writers cannot observe the
	// same last hash and fork the chain. Appends to other anchors hash to
	// other lock keys and proceed independently.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, in.AnchorID); err != nil {
		return ledger.Record{}, p.persistErr("lock anchor", err)
	}

	prevHash := ""
	err = tx.QueryRow(ctx, `SELECT hash FROM ledger_records WHERE anchor_id=$1 ORDER BY ts DESC, id DESC LIMIT 1`, in.AnchorID).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Record{}, p.persistErr("last hash", err)
	}

	rec, err := buildRecord(in, prevHash)
	if err != nil {
		return ledger.Record{}, err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO ledger_records(id,anchor_id,slot,kind,ts,prev_hash,hash,payload,signature,producer,version)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (hash) DO NOTHING
`, rec.ID, rec.AnchorID, rec.Slot, string(rec.Kind), rec.TS, rec.PrevHash, rec.Hash, rec.Payload, rec.Signature, rec.Producer, rec.Version)
	if err != nil {
		return ledger.Record{}, p.persistErr("insert record", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Record{}, p.persistErr("commit append", err)
	}

	p.sink.Count(metrics.AppendsTotal, 1)
	p.sink.Observe(metrics.AppendSeconds, time.Since(started).Seconds())
	return rec, nil
}

const recordColumns = `id,anchor_id,slot,kind,ts,prev_hash,hash,payload,signature,producer,version`

func scanRecord(row pgx.Row) (ledger.Record, error) {
	var rec ledger.Record
	var kind string
	err := row.Scan(&rec.ID, &rec.AnchorID, &rec.Slot, &kind, &rec.TS, &rec.PrevHash, &rec.Hash, &rec.Payload, &rec.Signature, &rec.Producer, &rec.Version)
	if err != nil {
		return ledger.Record{}, err
	}
	rec.Kind = ledger.Kind(kind)
	rec.TS = rec.TS.UTC()
	return rec, nil
}

func (p *Postgres) queryRecords(ctx context.Context, q string, args ...any) ([]ledger.Record, error) {
	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ledger.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) GetRecord(ctx context.Context, id string) (ledger.Record, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rec, err := scanRecord(p.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Record{}, ledger.ErrRecordNotFound
	}
	if err != nil {
		return ledger.Record{}, p.persistErr("get record", err)
	}
	return rec, nil
}

func (p *Postgres) GetChain(ctx context.Context, anchorID string) ([]ledger.Record, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	recs, err := p.queryRecords(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE anchor_id=$1 ORDER BY ts ASC, id ASC`, anchorID)
	if err != nil {
		return nil, p.persistErr("get chain", err)
	}
	return recs, nil
}

func (p *Postgres) VerifyChain(ctx context.Context, anchorID string) (bool, []string, error) {
	recs, err := p.GetChain(ctx, anchorID)
	if err != nil {
		return false, nil, err
	}
	errs := verifier.ContinuityErrors(recs)
	return len(errs) == 0, errs, nil
}

func (p *Postgres) Search(ctx context.Context, f SearchFilter) ([]ledger.Record, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := `SELECT ` + recordColumns + ` FROM ledger_records WHERE true`
	args := []any{}
	if f.Slot != "" {
		args = append(args, f.Slot)
		q += fmt.Sprintf(` AND slot=$%d`, len(args))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		q += fmt.Sprintf(` AND kind=$%d`, len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(` AND ts>=$%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))

	recs, err := p.queryRecords(ctx, q, args...)
	if err != nil {
		return nil, p.persistErr("search", err)
	}
	return recs, nil
}

func (p *Postgres) CreateCheckpoint(ctx context.Context, rangeStartID, rangeEndID string, sig *CheckpointSignature) (ledger.Checkpoint, error) {
	start, err := p.GetRecord(ctx, rangeStartID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return ledger.Checkpoint{}, ledger.ErrInvalidRange
	}
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	recs, err := p.RecordRange(ctx, start.AnchorID, rangeStartID, rangeEndID)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	hashes := make([]string, 0, len(recs))
	for _, r := range recs {
		hashes = append(hashes, r.Hash)
	}

	prevRoot := ""
	if prev, err := p.latestForScope(ctx, start.AnchorID); err == nil {
		prevRoot = prev.MerkleRoot
	} else if !errors.Is(err, ledger.ErrNoCheckpoint) {
		return ledger.Checkpoint{}, err
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
	if err := p.PutCheckpoint(ctx, ckpt); err != nil {
		return ledger.Checkpoint{}, err
	}
	return ckpt, nil
}

func (p *Postgres) PutCheckpoint(ctx context.Context, c ledger.Checkpoint) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	_, err := p.db.Exec(ctx, `
INSERT INTO ledger_checkpoints(id,anchor_id,range_start,range_end,merkle_root,prev_root,record_count,created_at,signature,signer_key_id,format_version)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING
`, c.ID, c.AnchorID, c.RangeStart, c.RangeEnd, c.MerkleRoot, c.PrevRoot, c.RecordCount, c.CreatedAt, c.Signature, c.SignerKeyID, c.FormatVersion)
	if err != nil {
		return p.persistErr("put checkpoint", err)
	}
	return nil
}

const checkpointColumns = `id,anchor_id,range_start,range_end,merkle_root,prev_root,record_count,created_at,signature,signer_key_id,format_version`

func scanCheckpoint(row pgx.Row) (ledger.Checkpoint, error) {
	var c ledger.Checkpoint
	err := row.Scan(&c.ID, &c.AnchorID, &c.RangeStart, &c.RangeEnd, &c.MerkleRoot, &c.PrevRoot, &c.RecordCount, &c.CreatedAt, &c.Signature, &c.SignerKeyID, &c.FormatVersion)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (p *Postgres) GetCheckpoint(ctx context.Context, id string) (ledger.Checkpoint, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	c, err := scanCheckpoint(p.db.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM ledger_checkpoints WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Checkpoint{}, ledger.ErrCheckpointNotFound
	}
	if err != nil {
		return ledger.Checkpoint{}, p.persistErr("get checkpoint", err)
	}
	return c, nil
}

func (p *Postgres) LatestCheckpoint(ctx context.Context) (*ledger.Checkpoint, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	c, err := scanCheckpoint(p.db.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM ledger_checkpoints ORDER BY created_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNoCheckpoint
	}
	if err != nil {
		return nil, p.persistErr("latest checkpoint", err)
	}
	return &c, nil
}

func (p *Postgres) LatestCheckpointForScope(ctx context.Context, anchorID string) (*ledger.Checkpoint, error) {
	c, err := p.latestForScope(ctx, anchorID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) latestForScope(ctx context.Context, anchorID string) (ledger.Checkpoint, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	c, err := scanCheckpoint(p.db.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM ledger_checkpoints WHERE anchor_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, anchorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Checkpoint{}, ledger.ErrNoCheckpoint
	}
	if err != nil {
		return ledger.Checkpoint{}, p.persistErr("latest checkpoint for scope", err)
	}
	return c, nil
}

func (p *Postgres) RecordsInRange(ctx context.Context, anchorID string, since Cursor, until time.Time) ([]ledger.Record, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	q := `SELECT ` + recordColumns + ` FROM ledger_records WHERE true`
	args := []any{}
	if anchorID != "" {
		args = append(args, anchorID)
		q += fmt.Sprintf(` AND anchor_id=$%d`, len(args))
	}
	if !since.TS.IsZero() {
		if since.ID != "" {
			args = append(args, since.TS, since.ID)
			q += fmt.Sprintf(` AND (ts, id) > ($%d, $%d)`, len(args)-1, len(args))
		} else {
			args = append(args, since.TS)
			q += fmt.Sprintf(` AND ts>$%d`, len(args))
		}
	}
	if !until.IsZero() {
		args = append(args, until)
		q += fmt.Sprintf(` AND ts<=$%d`, len(args))
	}
	q += ` ORDER BY ts ASC, id ASC`
	recs, err := p.queryRecords(ctx, q, args...)
	if err != nil {
		return nil, p.persistErr("records in range", err)
	}
	return recs, nil
}

func (p *Postgres) RecordRange(ctx context.Context, anchorID, startID, endID string) ([]ledger.Record, error) {
	start, err := p.GetRecord(ctx, startID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return nil, ledger.ErrInvalidRange
	}
	if err != nil {
		return nil, err
	}
	end, err := p.GetRecord(ctx, endID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return nil, ledger.ErrInvalidRange
	}
	if err != nil {
		return nil, err
	}
	if anchorID != "" && (start.AnchorID != anchorID || end.AnchorID != anchorID) {
		return nil, ledger.ErrInvalidRange
	}
	if end.TS.Before(start.TS) || (end.TS.Equal(start.TS) && end.ID < start.ID) {
		return nil, ledger.ErrInvalidRange
	}

	ctx, cancel := p.bound(ctx)
	defer cancel()
	q := `SELECT ` + recordColumns + ` FROM ledger_records WHERE (ts, id) >= ($1, $2) AND (ts, id) <= ($3, $4)`
	args := []any{start.TS, start.ID, end.TS, end.ID}
	if anchorID != "" {
		args = append(args, anchorID)
		q += fmt.Sprintf(` AND anchor_id=$%d`, len(args))
	}
	q += ` ORDER BY ts ASC, id ASC`
	recs, err := p.queryRecords(ctx, q, args...)
	if err != nil {
		return nil, p.persistErr("record range", err)
	}
	return recs, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var s Stats
	err := p.db.QueryRow(ctx, `
SELECT
  (SELECT count(*) FROM ledger_records),
  (SELECT count(DISTINCT anchor_id) FROM ledger_records),
  (SELECT count(*) FROM ledger_checkpoints)
`).Scan(&s.RecordCount, &s.AnchorCount, &s.CheckpointCount)
	if err != nil {
		return Stats{}, p.persistErr("stats", err)
	}
	return s, nil
}

func (p *Postgres) Close() { p.db.Close() }

func (p *Postgres) persistErr(op string, err error) error {
	p.sink.Count(metrics.PersistenceErrors, 1)
	return &ledger.PersistenceError{Op: op, Err: err}
}
