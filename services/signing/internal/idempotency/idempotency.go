// Package idempotency replays the stored response of a request that is
// retried with the same Idempotency-Key.
package idempotency

import (
	"context"
	"strings"
)

// HeaderKey is the request header carrying the client key.
const HeaderKey = "Idempotency-Key"

// MaxKeyLength bounds accepted keys; longer ones are ignored.
const MaxKeyLength = 128

// Request identifies a replayable call. Scope partitions keys so two
// contracts never share one, and Endpoint partitions them per route.
type Request struct {
	Scope    string
	Key      string
	Endpoint string
}

func (r Request) enabled() bool {
	k := strings.TrimSpace(r.Key)
	return k != "" && len(k) <= MaxKeyLength
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, scope, key, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, scope, key, endpoint string, status int, body map[string]any) error
}

func Replay(ctx context.Context, st Store, req Request) (int, map[string]any, bool, error) {
	if !req.enabled() {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, req.Scope, strings.TrimSpace(req.Key), req.Endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

// Save records a response. Only outcomes worth replaying should be
// saved; transient failures must stay retryable.
func Save(ctx context.Context, st Store, req Request, status int, response map[string]any) error {
	if !req.enabled() {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, req.Scope, strings.TrimSpace(req.Key), req.Endpoint, status, response)
}
