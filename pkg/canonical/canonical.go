// Package canonical turns logical record fields into bit-reproducible bytes
// and SHA3-256 digests. Every hash in the ledger bottoms out here, so the
// encoding must be total and deterministic: same logical content, same bytes,
// regardless of map insertion order.
package canonical

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"

	"trustledger/pkg/ledger"
)

// EncodingError means the payload is not canonically serializable. Caller's
// fault; the write is rejected.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string { return "encoding: " + e.Reason }

// TimeFormat is the fixed serialization rule for timestamps: RFC3339 with
// nanoseconds and a UTC Z suffix.
const TimeFormat = time.RFC3339Nano

// Canonicalize encodes v deterministically: sorted keys, compact JSON, no
// HTML escaping, timestamps normalized to UTC Z strings.
func Canonicalize(v any) ([]byte, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(n); err != nil {
		return nil, &EncodingError{Reason: err.Error()}
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool:
		return val, nil
	case json.Number:
		return val.String(), nil
	case time.Time:
		return val.UTC().Format(TimeFormat), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, &EncodingError{Reason: "non-finite number"}
		}
		return val, nil
	case float32:
		return normalize(float64(val))
	case int:
		return int64(val), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// Encode as an alternating key/value sequence so key order is part
		// of the byte stream, not left to the JSON encoder.
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, k, nv)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	default:
		// Structs, typed maps and slices round-trip through JSON once, then
		// normalize as plain values. Channels, funcs etc. fail here.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, &EncodingError{Reason: fmt.Sprintf("unsupported value %T: %v", val, err)}
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, &EncodingError{Reason: err.Error()}
		}
		return normalize(decoded)
	}
}

// Digest returns the SHA3-256 of b as a fixed-width lowercase hex string.
func Digest(b []byte) string {
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestString digests the UTF-8 bytes of s.
func DigestString(s string) string { return Digest([]byte(s)) }

// RecordHash canonicalizes exactly the nine logical record fields and digests
// them. An absent prev_hash is encoded as null so the field set stays fixed.
func RecordHash(id, anchorID, slot string, kind ledger.Kind, ts time.Time, prevHash string, payload map[string]any, producer, version string) (string, error) {
	var prev any
	if prevHash != "" {
		prev = prevHash
	}
	fields := map[string]any{
		"id":        id,
		"anchor_id": anchorID,
		"slot":      slot,
		"kind":      string(kind),
		"ts":        ts,
		"prev_hash": prev,
		"payload":   payload,
		"producer":  producer,
		"version":   version,
	}
	b, err := Canonicalize(fields)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// VerifyRecordHash recomputes rec's digest from its own fields and compares
// it with the stored hash.
func VerifyRecordHash(rec ledger.Record) (bool, error) {
	h, err := RecordHash(rec.ID, rec.AnchorID, rec.Slot, rec.Kind, rec.TS, rec.PrevHash, rec.Payload, rec.Producer, rec.Version)
	if err != nil {
		return false, err
	}
	return h == rec.Hash, nil
}

// CheckpointSigningBytes canonicalizes the checkpoint fields covered by its
// signature. Signature and signer_key_id are excluded.
func CheckpointSigningBytes(c ledger.Checkpoint) ([]byte, error) {
	var prev any
	if c.PrevRoot != "" {
		prev = c.PrevRoot
	}
	fields := map[string]any{
		"id":             c.ID,
		"anchor_id":      c.AnchorID,
		"range_start":    c.RangeStart,
		"range_end":      c.RangeEnd,
		"merkle_root":    c.MerkleRoot,
		"prev_root":      prev,
		"record_count":   int64(c.RecordCount),
		"created_at":     c.CreatedAt,
		"format_version": c.FormatVersion,
	}
	return Canonicalize(fields)
}
