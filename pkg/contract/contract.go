// Package contract holds the contract and signatory records and the
// lifecycle rules that move a contract from draft to signed.
//
// Every operation takes the current time explicitly; nothing in this
// package reads the wall clock.
package contract

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

type Status string

const (
	StatusDraft   Status = "draft"
	StatusSent    Status = "sent"
	StatusPending Status = "pending"
	StatusSigned  Status = "signed"
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPending, StatusSigned, StatusExpired:
		return true
	}
	return false
}

type Location struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   *string  `json:"address"`
}

func (l Location) Empty() bool {
	return l.Latitude == nil && l.Longitude == nil && l.Address == nil
}

type Signatory struct {
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Signed         bool       `json:"signed"`
	SignedAt       *time.Time `json:"signed_at"`
	SignatureImage *string    `json:"signature_image"`
	CPF            *string    `json:"cpf"`
	// BirthDate is YYYY-MM-DD.
	BirthDate *string   `json:"birth_date"`
	Location  *Location `json:"location"`
	IPAddress *string   `json:"ip_address,omitempty"`
}

// Key is the canonical identity of the signatory within its contract.
func (s Signatory) Key() string { return NormalizeEmail(s.Email) }

type Contract struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	FileURL     *string     `json:"file_url"`
	ClientName  string      `json:"client_name"`
	Signatories []Signatory `json:"signatories"`
	Status      Status      `json:"status"`
	SentAt      *time.Time  `json:"sent_at"`
	SignedAt    *time.Time  `json:"signed_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ExpiresAt   *time.Time  `json:"expires_at"`
	// Version increments on every persisted mutation and backs the
	// store's optimistic concurrency check.
	Version int64 `json:"version"`
}

// NormalizeEmail folds an email address into the identity key used for
// signatory lookups.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

func (c Contract) AllSigned() bool {
	if len(c.Signatories) == 0 {
		return false
	}
	for _, s := range c.Signatories {
		if !s.Signed {
			return false
		}
	}
	return true
}

func (c Contract) SignedCount() int {
	n := 0
	for _, s := range c.Signatories {
		if s.Signed {
			n++
		}
	}
	return n
}

// IsExpired reports whether the signing window has elapsed. A fully
// signed contract never expires.
func IsExpired(c Contract, now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now) && c.Status != StatusSigned
}

// EffectiveStatus is the status a reader should see at now. Expiry is
// computed here rather than written back.
func (c Contract) EffectiveStatus(now time.Time) Status {
	if IsExpired(c, now) {
		return StatusExpired
	}
	return c.Status
}

// Clone returns a deep copy so callers can mutate without aliasing the
// signatory slice or its pointers.
func (c Contract) Clone() Contract {
	out := c
	out.FileURL = cloneString(c.FileURL)
	out.SentAt = cloneTime(c.SentAt)
	out.SignedAt = cloneTime(c.SignedAt)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.Signatories = make([]Signatory, len(c.Signatories))
	for i, s := range c.Signatories {
		out.Signatories[i] = s.clone()
	}
	return out
}

func (s Signatory) clone() Signatory {
	out := s
	out.SignedAt = cloneTime(s.SignedAt)
	out.SignatureImage = cloneString(s.SignatureImage)
	out.CPF = cloneString(s.CPF)
	out.BirthDate = cloneString(s.BirthDate)
	out.IPAddress = cloneString(s.IPAddress)
	if s.Location != nil {
		loc := Location{
			Latitude:  cloneFloat(s.Location.Latitude),
			Longitude: cloneFloat(s.Location.Longitude),
			Address:   cloneString(s.Location.Address),
		}
		out.Location = &loc
	}
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// PublicSignatory is the slice of a signatory exposed on signing links.
type PublicSignatory struct {
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Signed   bool       `json:"signed"`
	SignedAt *time.Time `json:"signed_at"`
}

// PublicView is the read model served to link recipients. Identity
// fields and signature images of other parties are never included.
type PublicView struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	FileURL     *string           `json:"file_url"`
	ClientName  string            `json:"client_name"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at"`
	Signatories []PublicSignatory `json:"signatories"`
}

func (c Contract) Public(now time.Time) PublicView {
	out := PublicView{
		ID:          c.ID,
		Title:       c.Title,
		FileURL:     c.FileURL,
		ClientName:  c.ClientName,
		Status:      c.EffectiveStatus(now),
		CreatedAt:   c.CreatedAt,
		ExpiresAt:   c.ExpiresAt,
		Signatories: make([]PublicSignatory, 0, len(c.Signatories)),
	}
	for _, s := range c.Signatories {
		out.Signatories = append(out.Signatories, PublicSignatory{
			Name:     s.Name,
			Email:    s.Email,
			Signed:   s.Signed,
			SignedAt: s.SignedAt,
		})
	}
	return out
}
