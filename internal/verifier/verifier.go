// Package verifier walks full chains, re-derives every digest and continuity
// link, and folds signature validity and domain fidelity signals into one
// bounded trust score.
package verifier

import (
	"fmt"

	"go.uber.org/zap"

	"trustledger/pkg/canonical"
	"trustledger/pkg/ledger"
	"trustledger/pkg/metrics"
)

// SignatureChecker verifies a record's detached payload signature. When no
// checker is configured the verifier runs in legacy mode: present signatures
// are assumed valid and the result says so.
type SignatureChecker interface {
	VerifyRecord(rec ledger.Record) bool
}

// Weights combine the trust components. They are not forced to sum to 1; the
// composite is clamped to [0,1] regardless.
type Weights struct {
	Fidelity   float64
	Signature  float64
	Verify     float64
	Continuity float64
}

func DefaultWeights() Weights {
	return Weights{Fidelity: 0.5, Signature: 0.2, Verify: 0.2, Continuity: 0.1}
}

// DefaultTrustThreshold is the advisory floor below which a warning signal
// is emitted.
const DefaultTrustThreshold = 0.7

type Verifier struct {
	checker   SignatureChecker
	weights   Weights
	threshold float64
	log       *zap.Logger
	sink      metrics.Sink
}

type Option func(*Verifier)

func WithSignatureChecker(c SignatureChecker) Option { return func(v *Verifier) { v.checker = c } }

func WithWeights(w Weights) Option { return func(v *Verifier) { v.weights = w } }

func WithThreshold(t float64) Option { return func(v *Verifier) { v.threshold = t } }

func WithMetrics(s metrics.Sink) Option { return func(v *Verifier) { v.sink = s } }

func New(log *zap.Logger, opts ...Option) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	v := &Verifier{
		weights:   DefaultWeights(),
		threshold: DefaultTrustThreshold,
		log:       log,
		sink:      metrics.Nop{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ContinuityErrors re-derives every record hash and prev_hash link and
// returns every discrepancy found, never stopping at the first. An empty
// chain is trivially continuous.
func ContinuityErrors(records []ledger.Record) []string {
	errs := []string{}
	for i, rec := range records {
		ok, err := canonical.VerifyRecordHash(rec)
		if err != nil {
			errs = append(errs, fmt.Sprintf("record %s: hash not recomputable: %v", rec.ID, err))
		} else if !ok {
			errs = append(errs, fmt.Sprintf("record %s: stored hash does not match recomputed hash", rec.ID))
		}
		if i == 0 {
			if rec.PrevHash != "" {
				errs = append(errs, fmt.Sprintf("record %s: first record of anchor has non-empty prev_hash", rec.ID))
			}
			continue
		}
		if rec.PrevHash != records[i-1].Hash {
			errs = append(errs, fmt.Sprintf("record %s: prev_hash does not match hash of record %s", rec.ID, records[i-1].ID))
		}
	}
	return errs
}

// VerifyChain never fails on a malformed chain: it reports every anomaly and
// still returns a (possibly zero) trust score. The empty chain is trivially
// valid with zero trust.
func (v *Verifier) VerifyChain(records []ledger.Record) ledger.VerificationResult {
	res := ledger.VerificationResult{
		ContinuityOK:  true,
		Errors:        []string{},
		SignatureMode: ledger.SignatureModeAssumed,
	}
	if v.checker != nil {
		res.SignatureMode = ledger.SignatureModeVerified
	}
	if len(records) == 0 {
		v.emit(res)
		return res
	}
	res.AnchorID = records[0].AnchorID
	res.RecordCount = len(records)

	res.Errors = ContinuityErrors(records)
	res.ContinuityOK = len(res.Errors) == 0

	var fidelitySum float64
	var fidelityN int
	for _, rec := range records {
		if ok, err := canonical.VerifyRecordHash(rec); err == nil && ok {
			res.HashValidCount++
		}
		if rec.Signature != "" {
			res.SignedCount++
			if v.checker != nil {
				if v.checker.VerifyRecord(rec) {
					res.VerifiedCount++
				}
			} else {
				res.VerifiedCount++
			}
		}
		if rec.Kind.FidelityBearing() {
			if f, ok := fidelityOf(rec.Payload); ok {
				fidelitySum += f
				fidelityN++
			}
		}
	}

	res.SignatureRate = 1.0
	if res.SignedCount > 0 {
		res.SignatureRate = float64(res.VerifiedCount) / float64(res.SignedCount)
	}
	res.VerifyRate = float64(res.HashValidCount) / float64(res.RecordCount)
	if fidelityN > 0 {
		res.FidelityAvg = fidelitySum / float64(fidelityN)
	}

	continuity := 0.0
	if res.ContinuityOK {
		continuity = 1.0
	}
	trust := v.weights.Fidelity*res.FidelityAvg +
		v.weights.Signature*res.SignatureRate +
		v.weights.Verify*res.VerifyRate +
		v.weights.Continuity*continuity
	res.TrustScore = clamp01(trust)
	res.BelowThreshold = res.TrustScore < v.threshold

	v.emit(res)
	return res
}

func (v *Verifier) emit(res ledger.VerificationResult) {
	fields := []zap.Field{
		zap.String("anchor_id", res.AnchorID),
		zap.Bool("continuity_ok", res.ContinuityOK),
		zap.Int("record_count", res.RecordCount),
		zap.Int("error_count", len(res.Errors)),
		zap.Float64("trust_score", res.TrustScore),
		zap.String("signature_mode", res.SignatureMode),
	}
	v.log.Info("chain verified", fields...)
	if res.ContinuityOK {
		v.sink.Count(metrics.VerificationsOK, 1)
	} else {
		v.sink.Count(metrics.VerificationsFailed, 1)
	}
	if res.BelowThreshold && res.RecordCount > 0 {
		// Advisory only. Low trust is a signal for monitoring, never an error.
		v.log.Warn("trust score below threshold",
			zap.String("anchor_id", res.AnchorID),
			zap.Float64("trust_score", res.TrustScore),
			zap.Float64("threshold", v.threshold))
		v.sink.Count(metrics.TrustBelowThreshold, 1)
	}
}

func fidelityOf(payload map[string]any) (float64, bool) {
	raw, ok := payload["fidelity"]
	if !ok {
		return 0, false
	}
	switch f := raw.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	default:
		return 0, false
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
