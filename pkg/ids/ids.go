// Package ids generates prefixed, time-sortable identifiers for ledger
// entities. UUIDv7 carries a millisecond timestamp in its high bits, so ids
// sort lexicographically in creation order and double as range-query
// boundaries.
package ids

import "github.com/google/uuid"

const (
	RecordPrefix     = "rec_"
	CheckpointPrefix = "ckp_"
)

// NewRecordID returns a new record identifier.
func NewRecordID() string { return RecordPrefix + newV7() }

// NewCheckpointID returns a new checkpoint identifier.
func NewCheckpointID() string { return CheckpointPrefix + newV7() }

func newV7() string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; a v4 id loses
		// time-ordering but stays unique.
		return uuid.NewString()
	}
	return u.String()
}
