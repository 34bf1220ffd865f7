// Package store persists contracts, their audit events and idempotency
// records. Postgres is the primary backend; SQLite serves single-node
// deployments and tests.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
)

//go:embed migrations
var migrations embed.FS

var (
	ErrNotFound        = apperr.NotFound("contract not found")
	ErrVersionConflict = apperr.Conflict("contract was modified concurrently")
	ErrDuplicateID     = apperr.Conflict("contract id already exists")
)

// NewEvent is an audit entry written in the same transaction as the
// contract mutation it describes.
type NewEvent struct {
	Type    string
	Actor   string
	At      time.Time
	Payload map[string]any
}

type Event struct {
	Seq        int64          `json:"seq"`
	ContractID string         `json:"contract_id"`
	Type       string         `json:"type"`
	Actor      string         `json:"actor"`
	At         time.Time      `json:"at"`
	Payload    map[string]any `json:"payload"`
}

// ListFilter matches on the effective status at Now, so expired
// contracts are found under "expired" and not under their stored status.
type ListFilter struct {
	Status contract.Status
	Now    time.Time
	Limit  int
	Offset int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 200 {
		return 50
	}
	return f.Limit
}

type Store interface {
	CreateContract(ctx context.Context, c contract.Contract, ev NewEvent) (contract.Contract, error)
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	ListContracts(ctx context.Context, f ListFilter) ([]contract.Contract, error)
	// UpdateContract writes c if the stored version still equals c.Version
	// and returns it with the incremented version. A mismatch is
	// ErrVersionConflict.
	UpdateContract(ctx context.Context, c contract.Contract, ev NewEvent) (contract.Contract, error)
	DeleteContract(ctx context.Context, id string, ev NewEvent) error
	ListEvents(ctx context.Context, contractID string) ([]Event, error)

	GetIdempotencyRecord(ctx context.Context, scope, key, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, scope, key, endpoint string, status int, body map[string]any) error

	Ping(ctx context.Context) error
	Close()
}

// where renders the status predicate. ph formats the nth placeholder and
// ts converts a time into the backend's column representation.
func (f ListFilter) where(ph func(n int) string, ts func(time.Time) any) (string, []any) {
	if f.Status == "" {
		return "", nil
	}
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	switch f.Status {
	case contract.StatusExpired:
		return fmt.Sprintf(` WHERE status<>%s AND (status=%s OR (expires_at IS NOT NULL AND expires_at<%s))`, ph(1), ph(2), ph(3)),
			[]any{string(contract.StatusSigned), string(contract.StatusExpired), ts(now)}
	case contract.StatusSigned:
		return fmt.Sprintf(` WHERE status=%s`, ph(1)), []any{string(f.Status)}
	default:
		return fmt.Sprintf(` WHERE status=%s AND (expires_at IS NULL OR expires_at>=%s)`, ph(1), ph(2)),
			[]any{string(f.Status), ts(now)}
	}
}

func migrationFiles(driver string) ([]string, error) {
	dir := "migrations/" + driver
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := migrations.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, string(b))
	}
	sort.Strings(out)
	return out, nil
}

func encodeSignatories(list []contract.Signatory) ([]byte, error) {
	if list == nil {
		list = []contract.Signatory{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode signatories: %w", err)
	}
	return b, nil
}

func decodeSignatories(b []byte) ([]contract.Signatory, error) {
	var out []contract.Signatory
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode signatories: %w", err)
	}
	return out, nil
}

func encodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		p = map[string]any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return b, nil
}

func decodePayload(b []byte) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	return out
}

// normalizeTimes truncates to the microsecond precision postgres keeps so
// both backends round-trip identical values.
func normalizeTimes(c contract.Contract) contract.Contract {
	c.CreatedAt = c.CreatedAt.UTC().Truncate(time.Microsecond)
	c.UpdatedAt = c.UpdatedAt.UTC().Truncate(time.Microsecond)
	c.SentAt = truncPtr(c.SentAt)
	c.SignedAt = truncPtr(c.SignedAt)
	c.ExpiresAt = truncPtr(c.ExpiresAt)
	return c
}

func truncPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}
