package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/geo"
	"github.com/accordsai/signdesk/pkg/sigevent"
	"github.com/accordsai/signdesk/pkg/signinglink"
	"github.com/accordsai/signdesk/services/signing/internal/store"

	"go.uber.org/zap"
)

// Submission is a signing request as received from a link recipient.
type Submission struct {
	// Email selects the signatory. It may be empty only when the contract
	// has a single signatory.
	Email      string
	ClientName string
	CPF        string
	BirthDate  string
	Image      string
	Source     sigevent.Source
	SignedAt   time.Time
	Location   contract.Location
	// ReportedIP is what the client claims; ObservedIP is what the server
	// saw and wins when set.
	ReportedIP string
	ObservedIP string
}

type Receipt struct {
	ContractID string          `json:"contract_id"`
	Email      string          `json:"email"`
	Index      int             `json:"signatory_index"`
	SignedAt   time.Time       `json:"signed_at"`
	Status     contract.Status `json:"status"`
	Completed  bool            `json:"completed"`
}

// Submit validates sub and records the signature. Nothing is written
// unless the whole event is valid.
func (s *Service) Submit(ctx context.Context, id string, sub Submission) (Receipt, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return Receipt{}, signinglink.ErrInvalidLink
		}
		return Receipt{}, err
	}
	now := s.now()

	key, err := signatoryKey(c, sub.Email)
	if err != nil {
		return Receipt{}, err
	}
	if err := precheck(c, key, now); err != nil {
		return Receipt{}, err
	}

	ev, err := sigevent.Build(sigevent.Input{
		Email:     key,
		Image:     sub.Image,
		Source:    sub.Source,
		CPF:       sub.CPF,
		BirthDate: sub.BirthDate,
		SignedAt:  sub.SignedAt,
		Location:  sub.Location,
		IPAddress: sub.ReportedIP,
	}, s.requirements, now)
	if err != nil {
		return Receipt{}, err
	}
	ev.Location = geo.Enrich(ctx, s.geocoder, ev.Location, s.geocodeTimeout)
	sig := ev.Signature(strings.TrimSpace(sub.ObservedIP))
	clientName := strings.TrimSpace(sub.ClientName)

	idx := -1
	updated, err := s.mutate(ctx, id, func(c *contract.Contract, now time.Time) (store.NewEvent, error) {
		i, err := c.ApplySignature(key, sig, now)
		if err != nil {
			return store.NewEvent{}, err
		}
		idx = i
		if clientName != "" && c.ClientName == "" {
			c.ClientName = clientName
		}
		return store.NewEvent{
			Type:  EventSigned,
			Actor: c.Signatories[i].Email,
			At:    now,
			Payload: map[string]any{
				"signatory_index": i,
				"signed_at":       sig.SignedAt.Format(time.RFC3339Nano),
				"ip_address":      sig.IPAddress,
				"has_location":    !sig.Location.Empty(),
				"source":          string(ev.Source),
				"contract_status": string(c.Status),
			},
		}, nil
	})
	if err != nil {
		return Receipt{}, err
	}

	completed := updated.Status == contract.StatusSigned
	s.log.Info("signature applied",
		zap.String("contract_id", updated.ID),
		zap.Int("signatory_index", idx),
		zap.String("status", string(updated.Status)),
		zap.Bool("completed", completed),
	)
	return Receipt{
		ContractID: updated.ID,
		Email:      updated.Signatories[idx].Email,
		Index:      idx,
		SignedAt:   sig.SignedAt,
		Status:     updated.Status,
		Completed:  completed,
	}, nil
}

// signatoryKey picks the signatory for a submission. An open link on a
// single-signatory contract signs as that signatory.
func signatoryKey(c contract.Contract, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		if len(c.Signatories) == 1 {
			return c.KeyAt(0)
		}
		return "", ErrSignatoryRequired
	}
	idx, err := c.FindSignatory(email)
	if err != nil {
		return "", signinglink.ErrNotSignatory
	}
	return c.KeyAt(idx)
}

// precheck rejects a submission the link would not offer to sign, before
// any field is validated.
func precheck(c contract.Contract, key string, now time.Time) error {
	d, err := signinglink.Decide(c, key, now)
	if err != nil {
		return err
	}
	switch d.View {
	case signinglink.ViewAlreadySigned:
		return contract.ErrAlreadySigned
	case signinglink.ViewExpired:
		return contract.ErrExpired
	}
	return nil
}
