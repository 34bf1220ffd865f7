package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
)

var (
	ErrSignatoryNotFound = apperr.NotFound("signatory not found on this contract")
	ErrAlreadySigned     = apperr.AlreadySigned("signatory has already signed this contract")
	ErrContractSigned    = apperr.FailedPrecondition("contract is already fully signed")
	ErrExpired           = apperr.Expired("contract signing window has expired")
	ErrNoSignatories     = apperr.Validation("contract needs at least one signatory")
	ErrTitleRequired     = apperr.Validation("contract title is required")
)

type SignatoryInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Draft struct {
	Title       string           `json:"title"`
	ClientName  string           `json:"client_name"`
	FileURL     *string          `json:"file_url"`
	ExpiresAt   *time.Time       `json:"expires_at"`
	Signatories []SignatoryInput `json:"signatories"`
}

// Signature is the validated signing event merged into one signatory.
type Signature struct {
	Image     string
	CPF       string
	BirthDate string
	SignedAt  time.Time
	Location  Location
	IPAddress string
}

func New(d Draft, id string, now time.Time) (Contract, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return Contract{}, ErrTitleRequired
	}
	sigs, err := buildSignatories(d.Signatories)
	if err != nil {
		return Contract{}, err
	}
	now = now.UTC()
	c := Contract{
		ID:          id,
		Title:       title,
		FileURL:     trimmedOrNil(d.FileURL),
		ClientName:  strings.TrimSpace(d.ClientName),
		Signatories: sigs,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.ExpiresAt != nil {
		exp := d.ExpiresAt.UTC()
		c.ExpiresAt = &exp
	}
	return c, nil
}

func buildSignatories(in []SignatoryInput) ([]Signatory, error) {
	if len(in) == 0 {
		return nil, ErrNoSignatories
	}
	out := make([]Signatory, 0, len(in))
	for _, s := range in {
		out = append(out, Signatory{Name: strings.TrimSpace(s.Name), Email: strings.TrimSpace(s.Email)})
	}
	if err := validateSignatories(out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateSignatories(list []Signatory) error {
	if len(list) == 0 {
		return ErrNoSignatories
	}
	problems := map[string]any{}
	seen := map[string]int{}
	for i, s := range list {
		field := fmt.Sprintf("signatories[%d]", i)
		if s.Name == "" {
			problems[field+".name"] = "name is required"
		}
		if !looksLikeEmail(s.Email) {
			problems[field+".email"] = "a valid email is required"
			continue
		}
		if prev, dup := seen[s.Key()]; dup {
			problems[field+".email"] = fmt.Sprintf("duplicates signatories[%d]", prev)
			continue
		}
		seen[s.Key()] = i
	}
	if len(problems) > 0 {
		return apperr.Validation("invalid signatories").WithDetails(problems)
	}
	return nil
}

func looksLikeEmail(email string) bool {
	parts := strings.Split(strings.TrimSpace(email), "@")
	return len(parts) == 2 && parts[0] != "" && strings.Contains(parts[1], ".")
}

func trimmedOrNil(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

// Send marks the contract as dispatched to its signatories. Re-sending a
// sent or partially signed contract refreshes sent_at.
func (c *Contract) Send(now time.Time) error {
	if c.Status == StatusSigned || c.AllSigned() {
		return ErrContractSigned
	}
	if IsExpired(*c, now) {
		return ErrExpired
	}
	switch c.Status {
	case StatusDraft, StatusSent, StatusPending:
	default:
		return apperr.FailedPrecondition(fmt.Sprintf("cannot send contract in status %q", c.Status))
	}
	t := now.UTC()
	c.Status = StatusSent
	c.SentAt = &t
	c.UpdatedAt = t
	return nil
}

// FindSignatory resolves a signatory by email, case-insensitively.
func (c Contract) FindSignatory(email string) (int, error) {
	key := NormalizeEmail(email)
	if key == "" {
		return -1, ErrSignatoryNotFound
	}
	for i, s := range c.Signatories {
		if s.Key() == key {
			return i, nil
		}
	}
	return -1, ErrSignatoryNotFound
}

// KeyAt maps a list position to the canonical email key. Index-based
// callers go through here so the email stays the only identity.
func (c Contract) KeyAt(index int) (string, error) {
	if index < 0 || index >= len(c.Signatories) {
		return "", ErrSignatoryNotFound
	}
	return c.Signatories[index].Key(), nil
}

// ApplySignature merges sig into the signatory identified by key and
// recomputes the contract status. It returns the signatory index.
func (c *Contract) ApplySignature(key string, sig Signature, now time.Time) (int, error) {
	idx, err := c.FindSignatory(key)
	if err != nil {
		return -1, err
	}
	if c.Signatories[idx].Signed {
		return idx, ErrAlreadySigned
	}
	if c.Status == StatusSigned {
		return idx, ErrContractSigned
	}
	if IsExpired(*c, now) {
		return idx, ErrExpired
	}
	if strings.TrimSpace(sig.Image) == "" {
		return idx, apperr.Validation("signature image is required")
	}
	if sig.SignedAt.IsZero() {
		return idx, apperr.Validation("signed_at is required")
	}

	signedAt := sig.SignedAt.UTC()
	image := sig.Image
	loc := sig.Location
	s := &c.Signatories[idx]
	s.Signed = true
	s.SignedAt = &signedAt
	s.SignatureImage = &image
	s.CPF = nonEmpty(sig.CPF)
	s.BirthDate = nonEmpty(sig.BirthDate)
	s.Location = &loc
	s.IPAddress = nonEmpty(sig.IPAddress)

	c.aggregate(now)
	return idx, nil
}

func (c *Contract) aggregate(now time.Time) {
	t := now.UTC()
	c.UpdatedAt = t
	if c.AllSigned() {
		c.Status = StatusSigned
		c.SignedAt = &t
		return
	}
	c.Status = StatusPending
}

func nonEmpty(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// Duplicate copies the contract content under a new identity with every
// signatory reset to unsigned.
func (c Contract) Duplicate(newID string, now time.Time) Contract {
	t := now.UTC()
	out := Contract{
		ID:          newID,
		Title:       c.Title,
		FileURL:     cloneString(c.FileURL),
		ClientName:  c.ClientName,
		Status:      StatusDraft,
		CreatedAt:   t,
		UpdatedAt:   t,
		ExpiresAt:   cloneTime(c.ExpiresAt),
		Signatories: make([]Signatory, 0, len(c.Signatories)),
	}
	for _, s := range c.Signatories {
		out.Signatories = append(out.Signatories, Signatory{Name: s.Name, Email: s.Email})
	}
	return out
}

// Patch describes an operator edit. Nil fields are left untouched; an
// empty FileURL clears the document reference.
type Patch struct {
	Title          *string           `json:"title"`
	ClientName     *string           `json:"client_name"`
	FileURL        *string           `json:"file_url"`
	ExpiresAt      *time.Time        `json:"expires_at"`
	ClearExpiresAt bool              `json:"clear_expires_at"`
	Signatories    *[]SignatoryInput `json:"signatories"`
}

// Edit applies p. Fully signed contracts are immutable, and signatories
// who already signed must stay in the list with the same email.
func (c *Contract) Edit(p Patch, now time.Time) error {
	if c.Status == StatusSigned {
		return ErrContractSigned
	}
	next := c.Clone()
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return ErrTitleRequired
		}
		next.Title = title
	}
	if p.ClientName != nil {
		next.ClientName = strings.TrimSpace(*p.ClientName)
	}
	if p.FileURL != nil {
		next.FileURL = trimmedOrNil(p.FileURL)
	}
	if p.ClearExpiresAt {
		next.ExpiresAt = nil
	} else if p.ExpiresAt != nil {
		exp := p.ExpiresAt.UTC()
		next.ExpiresAt = &exp
	}
	if p.Signatories != nil {
		sigs, err := mergeSignatories(c.Signatories, *p.Signatories)
		if err != nil {
			return err
		}
		next.Signatories = sigs
	}
	// Status only follows the signatory list; a re-sent contract stays sent.
	if p.Signatories != nil && next.SignedCount() > 0 {
		next.aggregate(now)
	} else {
		next.UpdatedAt = now.UTC()
	}
	*c = next
	return nil
}

func mergeSignatories(current []Signatory, in []SignatoryInput) ([]Signatory, error) {
	signed := map[string]Signatory{}
	for _, s := range current {
		if s.Signed {
			signed[s.Key()] = s.clone()
		}
	}
	out := make([]Signatory, 0, len(in))
	for _, s := range in {
		next := Signatory{Name: strings.TrimSpace(s.Name), Email: strings.TrimSpace(s.Email)}
		if prev, ok := signed[next.Key()]; ok {
			next = prev
			delete(signed, next.Key())
		}
		out = append(out, next)
	}
	if len(signed) > 0 {
		missing := make([]string, 0, len(signed))
		for _, s := range current {
			if _, ok := signed[s.Key()]; ok {
				missing = append(missing, s.Email)
			}
		}
		return nil, apperr.FailedPrecondition("signatories who already signed cannot be removed").
			WithDetails(map[string]any{"signed": missing})
	}
	if err := validateSignatories(out); err != nil {
		return nil, err
	}
	return out, nil
}
