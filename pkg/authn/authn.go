// Package authn checks the static operator bearer token that guards the
// contract management API.
package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/httpx"
)

var ErrUnauthorized = apperr.Unauthenticated("missing or invalid operator token")

// Operator holds only the digest of the configured token.
type Operator struct {
	digest [sha256.Size]byte
}

func NewOperator(token string) *Operator {
	return &Operator{digest: sha256.Sum256([]byte(token))}
}

// Authenticate checks an Authorization header value.
func (o *Operator) Authenticate(authorization string) error {
	token, ok := httpx.ParseBearer(authorization)
	if !ok {
		return ErrUnauthorized
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], o.digest[:]) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Fingerprint identifies the token in logs without revealing it.
func (o *Operator) Fingerprint() string {
	return hex.EncodeToString(o.digest[:4])
}
