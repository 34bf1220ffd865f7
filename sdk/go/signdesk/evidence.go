package signdesk

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/accordsai/signdesk/pkg/evp"
	"github.com/accordsai/signdesk/pkg/seal"
)

var (
	ErrNoBundle  = errors.New("document has no evidence bundle")
	ErrNotSealed = errors.New("evidence bundle is not sealed")
)

type EvidenceVerification struct {
	ContractID string
	Bundle     evp.Result
	BundleHash string
	// Seal is nil when the server returned an unsealed bundle.
	Seal *seal.VerifyResult
}

// Verified reports whether the bundle hashes check out and, when sealed,
// the seal is valid.
func (v EvidenceVerification) Verified() bool { return v.Bundle.Verified() }

// VerifyEvidence downloads the evidence bundle and checks it offline. When
// trusted is non-nil a seal is required and must be made by that key.
func (c *Client) VerifyEvidence(ctx context.Context, id string, trusted ed25519.PublicKey) (*EvidenceVerification, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(id)+"/evidence-bundle", nil, nil, true)
	if err != nil {
		return nil, err
	}
	return VerifyEvidenceJSON(body, trusted)
}

// VerifyEvidenceJSON checks a downloaded {"bundle", "seal"} document.
func VerifyEvidenceJSON(body []byte, trusted ed25519.PublicKey) (*EvidenceVerification, error) {
	var raw struct {
		Bundle json.RawMessage `json:"bundle"`
		Seal   *seal.Envelope  `json:"seal"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode evidence bundle: %w", err)
	}
	if len(raw.Bundle) == 0 {
		return nil, ErrNoBundle
	}
	res, err := evp.VerifyBundleJSON(raw.Bundle)
	if err != nil {
		return nil, err
	}
	var b evp.Bundle
	if err := json.Unmarshal(raw.Bundle, &b); err != nil {
		return nil, fmt.Errorf("decode evidence bundle: %w", err)
	}
	out := &EvidenceVerification{ContractID: b.Contract.ContractID, Bundle: res, BundleHash: b.Hashes.BundleHash}
	if raw.Seal == nil {
		if trusted != nil {
			return nil, ErrNotSealed
		}
		return out, nil
	}
	vr, err := seal.Verify(b.Hashes.BundleHash, *raw.Seal, trusted)
	if err != nil {
		return nil, fmt.Errorf("verify seal: %w", err)
	}
	out.Seal = &vr
	return out, nil
}
