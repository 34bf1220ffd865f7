// Package workflow runs the contract lifecycle against the store. Every
// mutation is a versioned read-modify-write that also appends an audit
// event.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/evidence"
	"github.com/accordsai/signdesk/pkg/geo"
	"github.com/accordsai/signdesk/pkg/sigevent"
	"github.com/accordsai/signdesk/pkg/signinglink"
	"github.com/accordsai/signdesk/services/signing/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxAttempts bounds retries of a mutation that lost a version race.
const MaxAttempts = 3

const (
	ActorOperator = "operator"

	EventCreated    = "contract.created"
	EventEdited     = "contract.edited"
	EventDeleted    = "contract.deleted"
	EventSent       = "contract.sent"
	EventDuplicated = "contract.duplicated"
	EventSigned     = "signature.applied"
)

var ErrSignatoryRequired = apperr.Validation("signatory email is required when the contract has more than one signatory")

type Service struct {
	store    store.Store
	log      *zap.Logger
	clock    func() time.Time
	newID    func() string
	geocoder geo.ReverseGeocoder
	evidence *evidence.Generator

	requirements   sigevent.Requirements
	baseURL        string
	route          string
	geocodeTimeout time.Duration
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

func WithGeocoder(gc geo.ReverseGeocoder, timeout time.Duration) Option {
	return func(s *Service) {
		s.geocoder = gc
		s.geocodeTimeout = timeout
	}
}

func WithEvidence(g *evidence.Generator) Option { return func(s *Service) { s.evidence = g } }

func WithRequirements(req sigevent.Requirements) Option {
	return func(s *Service) { s.requirements = req }
}

// WithLinks sets the public base URL and route used to build signing links.
func WithLinks(baseURL, route string) Option {
	return func(s *Service) {
		s.baseURL = baseURL
		s.route = route
	}
}

func New(st store.Store, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:        st,
		log:          log.With(zap.String("component", "workflow")),
		clock:        time.Now,
		newID:        func() string { return "ctr_" + uuid.NewString() },
		requirements: sigevent.DefaultRequirements(),
		baseURL:      "http://localhost:8090",
		route:        signinglink.DefaultRoute,
	}
	for _, o := range opts {
		o(s)
	}
	if s.evidence == nil {
		s.evidence = evidence.NewGenerator(nil, nil)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC().Truncate(time.Microsecond) }

// Route is the public path segment signing links are served under.
func (s *Service) Route() string { return s.route }

// visible replaces the stored status with the one a reader should see.
func visible(c contract.Contract, now time.Time) contract.Contract {
	c.Status = c.EffectiveStatus(now)
	return c
}

func (s *Service) Create(ctx context.Context, d contract.Draft) (contract.Contract, error) {
	now := s.now()
	c, err := contract.New(d, s.newID(), now)
	if err != nil {
		return contract.Contract{}, err
	}
	c, err = s.store.CreateContract(ctx, c, store.NewEvent{
		Type: EventCreated, Actor: ActorOperator, At: now,
		Payload: map[string]any{"title": c.Title, "signatories": len(c.Signatories)},
	})
	if err != nil {
		return contract.Contract{}, err
	}
	s.log.Info("contract created", zap.String("contract_id", c.ID), zap.Int("signatories", len(c.Signatories)))
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (contract.Contract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return contract.Contract{}, err
	}
	return visible(c, s.now()), nil
}

func (s *Service) List(ctx context.Context, f store.ListFilter) ([]contract.Contract, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("unknown status filter").WithDetails(map[string]any{"status": string(f.Status)})
	}
	now := s.now()
	f.Now = now
	list, err := s.store.ListContracts(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = visible(list[i], now)
	}
	return list, nil
}

func (s *Service) Edit(ctx context.Context, id string, p contract.Patch) (contract.Contract, error) {
	c, err := s.mutate(ctx, id, func(c *contract.Contract, now time.Time) (store.NewEvent, error) {
		if err := c.Edit(p, now); err != nil {
			return store.NewEvent{}, err
		}
		return store.NewEvent{Type: EventEdited, Actor: ActorOperator, At: now, Payload: patchFields(p)}, nil
	})
	if err != nil {
		return contract.Contract{}, err
	}
	return visible(c, s.now()), nil
}

func patchFields(p contract.Patch) map[string]any {
	var fields []string
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.ClientName != nil {
		fields = append(fields, "client_name")
	}
	if p.FileURL != nil {
		fields = append(fields, "file_url")
	}
	if p.ExpiresAt != nil || p.ClearExpiresAt {
		fields = append(fields, "expires_at")
	}
	if p.Signatories != nil {
		fields = append(fields, "signatories")
	}
	return map[string]any{"fields": fields}
}

func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.store.DeleteContract(ctx, id, store.NewEvent{
		Type: EventDeleted, Actor: ActorOperator, At: now,
		Payload: map[string]any{"title": c.Title, "status": string(c.EffectiveStatus(now))},
	})
	if err != nil {
		return err
	}
	s.log.Info("contract deleted", zap.String("contract_id", id))
	return nil
}

// Send marks the contract sent and returns one signing link per signatory.
func (s *Service) Send(ctx context.Context, id string) (contract.Contract, []signinglink.SignatoryLink, error) {
	c, err := s.mutate(ctx, id, func(c *contract.Contract, now time.Time) (store.NewEvent, error) {
		if err := c.Send(now); err != nil {
			return store.NewEvent{}, err
		}
		return store.NewEvent{Type: EventSent, Actor: ActorOperator, At: now,
			Payload: map[string]any{"pending": len(c.Signatories) - c.SignedCount()}}, nil
	})
	if err != nil {
		return contract.Contract{}, nil, err
	}
	s.log.Info("contract sent", zap.String("contract_id", c.ID))
	return visible(c, s.now()), signinglink.Links(s.baseURL, s.route, c), nil
}

func (s *Service) Duplicate(ctx context.Context, id string) (contract.Contract, error) {
	src, err := s.store.GetContract(ctx, id)
	if err != nil {
		return contract.Contract{}, err
	}
	now := s.now()
	dup := src.Duplicate(s.newID(), now)
	dup, err = s.store.CreateContract(ctx, dup, store.NewEvent{
		Type: EventDuplicated, Actor: ActorOperator, At: now,
		Payload: map[string]any{"source_id": src.ID},
	})
	if err != nil {
		return contract.Contract{}, err
	}
	s.log.Info("contract duplicated", zap.String("contract_id", dup.ID), zap.String("source_id", src.ID))
	return dup, nil
}

// Events returns the audit trail. It outlives the contract itself.
func (s *Service) Events(ctx context.Context, id string) ([]store.Event, error) {
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := s.store.GetContract(ctx, id); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Service) Evidence(ctx context.Context, id string) (evidence.Document, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return evidence.Document{}, err
	}
	return s.evidence.Generate(c)
}

func (s *Service) EvidenceBundle(ctx context.Context, id string) (evidence.Sealed, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return evidence.Sealed{}, err
	}
	return s.evidence.Seal(c)
}

// Resolve decides what a signing link shows.
func (s *Service) Resolve(ctx context.Context, id, email string) (signinglink.Decision, error) {
	return signinglink.Resolve(ctx, s.store, id, email, s.now())
}

// mutate loads, changes and writes a contract, reloading and reapplying fn
// when another writer got there first.
func (s *Service) mutate(ctx context.Context, id string, fn func(c *contract.Contract, now time.Time) (store.NewEvent, error)) (contract.Contract, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		c, err := s.store.GetContract(ctx, id)
		if err != nil {
			return contract.Contract{}, err
		}
		now := s.now()
		ev, err := fn(&c, now)
		if err != nil {
			return contract.Contract{}, err
		}
		updated, err := s.store.UpdateContract(ctx, c, ev)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return contract.Contract{}, err
		}
		lastErr = err
		s.log.Debug("version conflict, retrying", zap.String("contract_id", id), zap.Int("attempt", attempt))
	}
	return contract.Contract{}, lastErr
}
