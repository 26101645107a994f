// Package signer wraps the post-quantum signature scheme used to sign
// checkpoints behind a small pluggable interface.
package signer

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"

	"trustledger/pkg/canonical"
)

// SchemeName is the default signature scheme: ML-DSA-65 (FIPS 204).
const SchemeName = "ML-DSA-65"

var ErrBadSeed = errors.New("signer: seed has wrong length")

// Signer signs and verifies detached messages with one long-lived key.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	Verify(msg, sig []byte) bool
	KeyID() string
	Algorithm() string
	PublicKey() []byte
}

// MLDSA is the circl-backed ML-DSA-65 Signer.
type MLDSA struct {
	scheme sign.Scheme
	pub    sign.PublicKey
	priv   sign.PrivateKey
	keyID  string
	pubRaw []byte
}

// NewMLDSA generates a fresh random keypair.
func NewMLDSA() (*MLDSA, error) {
	scheme := schemes.ByName(SchemeName)
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return newMLDSA(scheme, pub, priv)
}

// NewMLDSAFromSeed derives a deterministic keypair from seed; seed must be
// exactly scheme.SeedSize() bytes.
func NewMLDSAFromSeed(seed []byte) (*MLDSA, error) {
	scheme := schemes.ByName(SchemeName)
	if len(seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrBadSeed, scheme.SeedSize(), len(seed))
	}
	pub, priv := scheme.DeriveKey(seed)
	return newMLDSA(scheme, pub, priv)
}

func newMLDSA(scheme sign.Scheme, pub sign.PublicKey, priv sign.PrivateKey) (*MLDSA, error) {
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("signer: marshal public key: %w", err)
	}
	return &MLDSA{
		scheme: scheme,
		pub:    pub,
		priv:   priv,
		keyID:  canonical.Digest(raw)[:16],
		pubRaw: raw,
	}, nil
}

func (s *MLDSA) Sign(msg []byte) ([]byte, error) {
	return s.scheme.Sign(s.priv, msg, nil), nil
}

func (s *MLDSA) Verify(msg, sig []byte) bool {
	return s.scheme.Verify(s.pub, msg, sig, nil)
}

func (s *MLDSA) KeyID() string     { return s.keyID }
func (s *MLDSA) Algorithm() string { return SchemeName }

// PublicKey returns the marshaled public key bytes.
func (s *MLDSA) PublicKey() []byte { return append([]byte(nil), s.pubRaw...) }

// VerifyDetached checks a detached signature against a raw public key without
// access to any private material, for third-party checkpoint verification.
func VerifyDetached(alg string, pub, msg, sig []byte) bool {
	scheme := schemes.ByName(alg)
	if scheme == nil {
		return false
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return false
	}
	return scheme.Verify(pk, msg, sig, nil)
}

// KeyIDFor derives the key id for a marshaled public key. Matches what MLDSA
// reports for its own key.
func KeyIDFor(pub []byte) string { return canonical.Digest(pub)[:16] }

// ParseSeed decodes a hex seed string.
func ParseSeed(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signer: seed is not hex: %w", err)
	}
	return b, nil
}
