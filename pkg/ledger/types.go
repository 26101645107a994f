package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Kind names the event type a record carries. The set is closed; producers
// that need a private event type use the "ext:" prefix.
type Kind string

const (
	KindAnchorCreated     Kind = "anchor-created"
	KindSignatureVerified Kind = "signature-verified"
	KindThresholdApplied  Kind = "threshold-applied"
	KindSynthesisScored   Kind = "synthesis-scored"
	KindPolicyDecision    Kind = "policy-decision"
	KindCheckpointCreated Kind = "checkpoint-created"

	// ExtensionPrefix marks producer-defined kinds outside the closed set.
	ExtensionPrefix = "ext:"
)

var knownKinds = map[Kind]struct{}{
	KindAnchorCreated:     {},
	KindSignatureVerified: {},
	KindThresholdApplied:  {},
	KindSynthesisScored:   {},
	KindPolicyDecision:    {},
	KindCheckpointCreated: {},
}

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	if k == "" {
		return "", fmt.Errorf("empty kind")
	}
	if _, ok := knownKinds[k]; ok {
		return k, nil
	}
	if strings.HasPrefix(string(k), ExtensionPrefix) && len(k) > len(ExtensionPrefix) {
		return k, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// Extension reports whether k is a producer-defined extension kind.
func (k Kind) Extension() bool { return strings.HasPrefix(string(k), ExtensionPrefix) }

// FidelityBearing reports whether records of this kind carry a numeric
// "fidelity" payload field that feeds the trust score.
func (k Kind) FidelityBearing() bool {
	return k == KindThresholdApplied || k == KindSynthesisScored
}

// Record is one immutable, hash-linked event in an anchor's chain.
// PrevHash is empty for the first record of an anchor.
type Record struct {
	ID        string         `json:"id"`
	AnchorID  string         `json:"anchor_id"`
	Slot      string         `json:"slot"`
	Kind      Kind           `json:"kind"`
	TS        time.Time      `json:"ts"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
	Payload   map[string]any `json:"payload"`
	Signature string         `json:"signature,omitempty"`
	Producer  string         `json:"producer,omitempty"`
	Version   string         `json:"version,omitempty"`
}

// CheckpointFormatVersion is the only checkpoint wire format this build emits.
const CheckpointFormatVersion = "ckpt-v1"

// Checkpoint is a signed Merkle root over a contiguous record range.
// AnchorID is empty for ledger-wide checkpoints. PrevRoot chains checkpoints
// of the same scope together.
type Checkpoint struct {
	ID            string    `json:"id"`
	AnchorID      string    `json:"anchor_id,omitempty"`
	RangeStart    string    `json:"range_start"`
	RangeEnd      string    `json:"range_end"`
	MerkleRoot    string    `json:"merkle_root"`
	PrevRoot      string    `json:"prev_root,omitempty"`
	RecordCount   int       `json:"record_count"`
	CreatedAt     time.Time `json:"created_at"`
	Signature     string    `json:"signature,omitempty"`
	SignerKeyID   string    `json:"signer_key_id,omitempty"`
	FormatVersion string    `json:"format_version"`
}

// Signature-mode markers for VerificationResult.
const (
	SignatureModeVerified = "verified"
	SignatureModeAssumed  = "assumed"
)

// VerificationResult is the derived outcome of walking one anchor chain.
// It is recomputable on demand and never persisted as ground truth.
type VerificationResult struct {
	AnchorID        string   `json:"anchor_id"`
	ContinuityOK    bool     `json:"continuity_ok"`
	Errors          []string `json:"errors"`
	RecordCount     int      `json:"record_count"`
	SignedCount     int      `json:"signed_count"`
	VerifiedCount   int      `json:"verified_count"`
	HashValidCount  int      `json:"hash_valid_count"`
	FidelityAvg     float64  `json:"fidelity_avg"`
	SignatureRate   float64  `json:"signature_rate"`
	VerifyRate      float64  `json:"verify_rate"`
	SignatureMode   string   `json:"signature_mode"`
	TrustScore      float64  `json:"trust_score"`
	BelowThreshold  bool     `json:"below_threshold"`
}
