// Package sigevent validates and assembles the signing event submitted by
// a signatory. An event is built whole or not at all.
package sigevent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/geo"
	"github.com/accordsai/signdesk/pkg/sigsurface"
)

const (
	CPFDigits  = 11
	DateLayout = "2006-01-02"
	// MaxClockSkew bounds how far a client signed_at may run ahead of the
	// server clock.
	MaxClockSkew = 5 * time.Minute
)

type Source string

const (
	SourceDrawn    Source = "drawn"
	SourceUploaded Source = "uploaded"
)

// Requirements are set per call site. Contract signing flows require both
// identity fields.
type Requirements struct {
	CPF       bool
	BirthDate bool
	Image     sigsurface.Limits
}

func DefaultRequirements() Requirements {
	return Requirements{CPF: true, BirthDate: true}
}

// NormalizeCPF strips everything but digits.
func NormalizeCPF(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidCPF checks the digit count only. The mod-11 check digits are not
// verified because records already on file may not pass them.
func ValidCPF(raw string) bool {
	return len(NormalizeCPF(raw)) == CPFDigits
}

// FormatCPF renders a normalized CPF as 000.000.000-00.
func FormatCPF(cpf string) string {
	d := NormalizeCPF(cpf)
	if len(d) != CPFDigits {
		return cpf
	}
	return d[0:3] + "." + d[3:6] + "." + d[6:9] + "-" + d[9:]
}

// ParseBirthDate accepts YYYY-MM-DD and rejects dates after today.
func ParseBirthDate(raw string, now time.Time) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("birth date must be YYYY-MM-DD")
	}
	y, m, dd := now.UTC().Date()
	today := time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
	if d.After(today) {
		return time.Time{}, fmt.Errorf("birth date cannot be in the future")
	}
	return d, nil
}

// Input is the raw submission as typed by the signatory.
type Input struct {
	Email     string
	Image     string
	Source    Source
	CPF       string
	BirthDate string
	// SignedAt is the client clock at submission. Zero means use now.
	SignedAt  time.Time
	Location  contract.Location
	IPAddress string
}

// Event is a validated signing event.
type Event struct {
	Email     string
	Image     string
	Source    Source
	CPF       string
	BirthDate string
	SignedAt  time.Time
	Location  contract.Location
	IPAddress string
}

// ValidationError lists every field that failed, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid signature: " + strings.Join(parts, "; ")
}

// Unwrap exposes the error as a VALIDATION AppError carrying the fields.
func (e *ValidationError) Unwrap() error {
	details := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		details[k] = v
	}
	return apperr.Validation(e.Error()).WithDetails(details)
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

// Build validates in against req. The image is inspected for real ink so a
// blank canvas export is not taken as a signature.
func Build(in Input, req Requirements, now time.Time) (Event, error) {
	now = now.UTC()
	verr := &ValidationError{}

	if strings.TrimSpace(in.Image) == "" {
		verr.add("signature_image", "no signature provided")
	} else if _, err := sigsurface.Inspect(in.Image, req.Image); err != nil {
		verr.add("signature_image", apperrMessage(err))
	}

	cpf := NormalizeCPF(in.CPF)
	switch {
	case req.CPF && cpf == "":
		verr.add("cpf", "CPF is required")
	case cpf != "" && len(cpf) != CPFDigits:
		verr.add("cpf", fmt.Sprintf("CPF must have %d digits", CPFDigits))
	}

	birth := strings.TrimSpace(in.BirthDate)
	switch {
	case req.BirthDate && birth == "":
		verr.add("birth_date", "birth date is required")
	case birth != "":
		if d, err := ParseBirthDate(birth, now); err != nil {
			verr.add("birth_date", err.Error())
		} else {
			birth = d.Format(DateLayout)
		}
	}

	signedAt := in.SignedAt.UTC()
	if in.SignedAt.IsZero() {
		signedAt = now
	} else if signedAt.After(now.Add(MaxClockSkew)) {
		verr.add("signed_at", "signed_at is in the future")
	}

	loc := in.Location
	if (loc.Latitude == nil) != (loc.Longitude == nil) {
		verr.add("location", "latitude and longitude must be given together")
	} else if loc.Latitude != nil && !geo.ValidCoordinates(*loc.Latitude, *loc.Longitude) {
		verr.add("location", "coordinates out of range")
	}

	source := in.Source
	switch source {
	case "":
		source = SourceDrawn
	case SourceDrawn, SourceUploaded:
	default:
		verr.add("source", "source must be drawn or uploaded")
	}

	if len(verr.Fields) > 0 {
		return Event{}, verr
	}
	return Event{
		Email:     strings.TrimSpace(in.Email),
		Image:     strings.TrimSpace(in.Image),
		Source:    source,
		CPF:       cpf,
		BirthDate: birth,
		SignedAt:  signedAt,
		Location:  loc,
		IPAddress: strings.TrimSpace(in.IPAddress),
	}, nil
}

// Signature converts the event into the record merged into a signatory.
// ip overrides the client-reported address when the server observed one.
func (e Event) Signature(ip string) contract.Signature {
	if ip == "" {
		ip = e.IPAddress
	}
	return contract.Signature{
		Image:     e.Image,
		CPF:       e.CPF,
		BirthDate: e.BirthDate,
		SignedAt:  e.SignedAt,
		Location:  e.Location,
		IPAddress: ip,
	}
}

func apperrMessage(err error) string {
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
