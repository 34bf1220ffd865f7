// Package evidence turns a fully signed contract into downloadable proof:
// a sealed evidence bundle and a PDF rendering of it.
package evidence

import (
	"fmt"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/evp"
	"github.com/accordsai/signdesk/pkg/seal"
)

const ContentTypePDF = "application/pdf"

var ErrNotSigned = evp.ErrNotSigned

// Input is everything a renderer may draw.
type Input struct {
	Contract contract.Contract
	Bundle   evp.Bundle
	Seal     *seal.Envelope
}

type Renderer interface {
	Render(in Input) ([]byte, error)
}

// Sealed is the bundle together with its seal, as served for download.
type Sealed struct {
	Bundle evp.Bundle     `json:"bundle"`
	Seal   *seal.Envelope `json:"seal,omitempty"`
}

type Document struct {
	ContractID  string
	Filename    string
	ContentType string
	Body        []byte
	BundleHash  string
	Seal        *seal.Envelope
}

type Generator struct {
	renderer Renderer
	signer   *seal.Signer
}

// NewGenerator returns a generator. A nil signer produces unsealed
// evidence.
func NewGenerator(r Renderer, signer *seal.Signer) *Generator {
	if r == nil {
		r = PDFRenderer{}
	}
	return &Generator{renderer: r, signer: signer}
}

// Seal builds the bundle and seals its hash. The seal is issued at the
// contract's signed_at so regeneration never creates a new time event.
func (g *Generator) Seal(c contract.Contract) (Sealed, error) {
	b, err := evp.Build(c)
	if err != nil {
		return Sealed{}, err
	}
	out := Sealed{Bundle: b}
	if g.signer == nil {
		return out, nil
	}
	issued, err := time.Parse(time.RFC3339Nano, b.Contract.SignedAt)
	if err != nil {
		return Sealed{}, apperr.Wrap(apperr.CodeInternal, "parse signed_at", err)
	}
	env, err := g.signer.Sign(b.Hashes.BundleHash, issued)
	if err != nil {
		return Sealed{}, apperr.Wrap(apperr.CodeInternal, "seal evidence bundle", err)
	}
	out.Seal = &env
	return out, nil
}

// Generate renders the evidence PDF for c.
func (g *Generator) Generate(c contract.Contract) (Document, error) {
	s, err := g.Seal(c)
	if err != nil {
		return Document{}, err
	}
	body, err := g.renderer.Render(Input{Contract: c, Bundle: s.Bundle, Seal: s.Seal})
	if err != nil {
		return Document{}, apperr.Wrap(apperr.CodeInternal, "render evidence", err)
	}
	return Document{
		ContractID:  c.ID,
		Filename:    fmt.Sprintf("evidence-%s.pdf", c.ID),
		ContentType: ContentTypePDF,
		Body:        body,
		BundleHash:  s.Bundle.Hashes.BundleHash,
		Seal:        s.Seal,
	}, nil
}
