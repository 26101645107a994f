package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange means a checkpoint range boundary id does not resolve
	// to a stored record.
	ErrInvalidRange = errors.New("invalid checkpoint range")

	// ErrRecordNotFound is returned for lookups of unknown record ids.
	ErrRecordNotFound = errors.New("record not found")

	// ErrCheckpointNotFound is returned for lookups of unknown checkpoint ids.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNoCheckpoint means no checkpoint has been rolled yet. Expected
	// absence, not a failure.
	ErrNoCheckpoint = errors.New("no checkpoint yet")

	// ErrNoNewRecords means a roll was requested over a range that contains
	// no records.
	ErrNoNewRecords = errors.New("no new records in range")
)

// PersistenceError classifies a backend I/O failure. The underlying error is
// surfaced verbatim; retrying is the caller's decision.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
