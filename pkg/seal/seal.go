// Package seal signs evidence bundle hashes with an ed25519 service key.
// ed25519 signatures are deterministic, so sealing the same bundle twice
// yields the same envelope.
package seal

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Version   = "seal-v1"
	Algorithm = "ed25519"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrPayloadHashMismatch  = errors.New("payload hash mismatch")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrInvalidKey           = errors.New("invalid seal key")
)

type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	KeyID       string `json:"key_id"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
}

type Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// ParseKey accepts a base64 ed25519 seed (32 bytes) or full private key
// (64 bytes).
func ParseKey(b64 string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return NewSigner(ed25519.NewKeyFromSeed(raw)), nil
	case ed25519.PrivateKeySize:
		return NewSigner(ed25519.PrivateKey(raw)), nil
	default:
		return nil, fmt.Errorf("%w: want %d or %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// ParsePublicKey decodes a base64 ed25519 public key, as printed in an
// envelope's public_key field.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func NewSigner(key ed25519.PrivateKey) *Signer {
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{key: key, keyID: KeyID(pub)}
}

// KeyID is the first 16 hex characters of the SHA-256 of the public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) PublicKey() ed25519.PublicKey { return s.key.Public().(ed25519.PublicKey) }

// Sign seals payloadHash, a lowercase hex SHA-256 optionally prefixed with
// "sha256:". issuedAt should be a time fixed by the sealed state, not the
// wall clock, so regenerated evidence is identical.
func (s *Signer) Sign(payloadHash string, issuedAt time.Time) (Envelope, error) {
	hashHex := strings.TrimPrefix(strings.TrimSpace(payloadHash), "sha256:")
	hashBytes, err := decodeLowerHex32(hashHex)
	if err != nil {
		return Envelope{}, err
	}
	sig := ed25519.Sign(s.key, hashBytes)
	return Envelope{
		Version:     Version,
		Algorithm:   Algorithm,
		KeyID:       s.keyID,
		PublicKey:   base64.StdEncoding.EncodeToString(s.PublicKey()),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hashHex,
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

type VerifyResult struct {
	IssuedAt time.Time
	KeyID    string
}

// Verify checks env against the expected payload hash. When trusted is
// non-nil the envelope's public key must equal it.
func Verify(payloadHash string, env Envelope, trusted ed25519.PublicKey) (VerifyResult, error) {
	if strings.TrimSpace(env.Version) != Version {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.ToLower(strings.TrimSpace(env.Algorithm)) != Algorithm {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.TrimSpace(env.IssuedAt) == "" {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil || !strings.HasSuffix(env.IssuedAt, "Z") {
		return VerifyResult{}, ErrInvalidIssuedAt
	}

	expected, err := decodeLowerHex32(strings.TrimPrefix(strings.TrimSpace(payloadHash), "sha256:"))
	if err != nil {
		return VerifyResult{}, err
	}
	got, err := decodeLowerHex32(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return VerifyResult{}, err
	}
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return VerifyResult{}, ErrPayloadHashMismatch
	}

	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.PublicKey))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return VerifyResult{}, ErrInvalidEncoding
	}
	if trusted != nil && subtle.ConstantTimeCompare(pub, trusted) != 1 {
		return VerifyResult{}, ErrInvalidSignature
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return VerifyResult{}, ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), got, sig) {
		return VerifyResult{}, ErrInvalidSignature
	}
	return VerifyResult{IssuedAt: issuedAt.UTC(), KeyID: KeyID(pub)}, nil
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" || s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: payload_hash length", ErrInvalidEncoding)
	}
	return b, nil
}
