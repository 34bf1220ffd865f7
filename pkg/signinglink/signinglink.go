// Package signinglink decides what the recipient of a signing link may see
// and do. Resolution only reads the contract.
package signinglink

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
)

const DefaultRoute = "sign"

var (
	ErrInvalidLink  = apperr.NotFound("invalid link")
	ErrNotSignatory = apperr.Forbidden("you are not a signatory on this contract")
)

type View string

const (
	// ViewOpen is an unscoped link where any pending signatory picks
	// themselves.
	ViewOpen          View = "open"
	ViewComplete      View = "complete"
	ViewSign          View = "sign"
	ViewAlreadySigned View = "already_signed"
	ViewExpired       View = "expired"
)

// CanSign reports whether the view offers a signing affordance.
func (v View) CanSign() bool { return v == ViewOpen || v == ViewSign }

type Getter interface {
	GetContract(ctx context.Context, id string) (contract.Contract, error)
}

type Decision struct {
	View     View                `json:"view"`
	Contract contract.PublicView `json:"contract"`
	// Signatory is set for scoped links.
	Signatory *contract.PublicSignatory `json:"signatory,omitempty"`
	Index     int                       `json:"signatory_index"`
	// Pending lists the emails still able to sign through an open link.
	Pending []string `json:"pending,omitempty"`
}

// Resolve looks up the contract and picks the view. A lookup miss is
// ErrInvalidLink and an email that matches no signatory is ErrNotSignatory.
func Resolve(ctx context.Context, g Getter, id, email string, now time.Time) (Decision, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Decision{}, ErrInvalidLink
	}
	c, err := g.GetContract(ctx, id)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return Decision{}, ErrInvalidLink
		}
		return Decision{}, err
	}
	return Decide(c, email, now)
}

// Decide is Resolve for an already loaded contract.
func Decide(c contract.Contract, email string, now time.Time) (Decision, error) {
	d := Decision{Contract: c.Public(now), Index: -1}

	if strings.TrimSpace(email) == "" {
		switch {
		case c.Status == contract.StatusSigned:
			d.View = ViewComplete
		case contract.IsExpired(c, now):
			d.View = ViewExpired
		default:
			d.View = ViewOpen
			for _, s := range c.Signatories {
				if !s.Signed {
					d.Pending = append(d.Pending, s.Email)
				}
			}
		}
		return d, nil
	}

	idx, err := c.FindSignatory(email)
	if err != nil {
		return Decision{}, ErrNotSignatory
	}
	ps := d.Contract.Signatories[idx]
	d.Signatory = &ps
	d.Index = idx
	switch {
	case c.Signatories[idx].Signed:
		d.View = ViewAlreadySigned
	case contract.IsExpired(c, now):
		d.View = ViewExpired
	default:
		d.View = ViewSign
	}
	return d, nil
}

// Link builds /{route}/{id}?email=... under base. An empty email yields an
// open link.
func Link(base, route, id, email string) string {
	if route == "" {
		route = DefaultRoute
	}
	u := strings.TrimRight(base, "/") + "/" + strings.Trim(route, "/") + "/" + url.PathEscape(id)
	if email = strings.TrimSpace(email); email != "" {
		u += "?" + url.Values{"email": {email}}.Encode()
	}
	return u
}

// Links returns one scoped link per signatory, in list order.
func Links(base, route string, c contract.Contract) []SignatoryLink {
	out := make([]SignatoryLink, 0, len(c.Signatories))
	for _, s := range c.Signatories {
		out = append(out, SignatoryLink{Name: s.Name, Email: s.Email, Signed: s.Signed, URL: Link(base, route, c.ID, s.Email)})
	}
	return out
}

type SignatoryLink struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Signed bool   `json:"signed"`
	URL    string `json:"url"`
}
