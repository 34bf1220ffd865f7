package signdesk

import (
	"context"
	"errors"
	"time"

	"github.com/accordsai/signdesk/pkg/geo"
	"github.com/accordsai/signdesk/pkg/sigevent"
	"github.com/accordsai/signdesk/pkg/sigsurface"

	"github.com/google/uuid"
)

// SessionConfig describes one signatory signing one contract.
type SessionConfig struct {
	ContractID string
	// Email is empty for an open link.
	Email string

	Width, Height int
	PixelRatio    float64
	// MaxUploadBytes lowers the upload bound for clients that keep the
	// image inline; zero keeps the surface default.
	MaxUploadBytes int

	Locator  geo.Locator
	Geocoder geo.ReverseGeocoder
	// LocateTimeout bounds the background position capture.
	LocateTimeout time.Duration

	// Requirements defaults to sigevent.DefaultRequirements when zero.
	Requirements sigevent.Requirements
	Now          func() time.Time
}

// Session is a client-side signing flow. Location capture starts when the
// session opens and is only read, never awaited, at submission.
type Session struct {
	client   *Client
	cfg      SessionConfig
	surface  *sigsurface.Surface
	location *geo.Task
	cancel   context.CancelFunc
	// key makes every Submit of this session replay the first success.
	key string
}

// Identity is what the signatory types next to the signature.
type Identity struct {
	CPF        string
	BirthDate  string
	ClientName string
}

func (c *Client) OpenSession(ctx context.Context, cfg SessionConfig) *Session {
	if cfg.Width <= 0 {
		cfg.Width = 600
	}
	if cfg.Height <= 0 {
		cfg.Height = 200
	}
	if cfg.PixelRatio <= 0 {
		cfg.PixelRatio = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Requirements == (sigevent.Requirements{}) {
		cfg.Requirements = sigevent.DefaultRequirements()
	}
	lctx, cancel := context.WithCancel(ctx)
	return &Session{
		client:   c,
		cfg:      cfg,
		surface:  sigsurface.New(cfg.Width, cfg.Height, cfg.PixelRatio, sigsurface.WithMaxUploadBytes(cfg.MaxUploadBytes)),
		location: geo.Start(lctx, cfg.Locator, cfg.Geocoder, cfg.LocateTimeout),
		cancel:   cancel,
		key:      uuid.NewString(),
	}
}

func (s *Session) Surface() *sigsurface.Surface { return s.surface }

// Location is the capture outcome so far. ok is false while it runs.
func (s *Session) Location() (geo.Result, bool, error) { return s.location.Peek() }

// Close abandons a capture still in flight.
func (s *Session) Close() { s.cancel() }

// Submit validates locally with the same rules the server applies, then
// sends the signature. Validation failures never reach the network.
func (s *Session) Submit(ctx context.Context, id Identity) (*SignResult, error) {
	image, err := s.surface.ToImage()
	if err != nil && !errors.Is(err, sigsurface.ErrNoContent) {
		return nil, err
	}
	source := sigevent.SourceDrawn
	if s.surface.Mode() == sigsurface.ModeUploaded {
		source = sigevent.SourceUploaded
	}
	ev, err := sigevent.Build(sigevent.Input{
		Email:     s.cfg.Email,
		Image:     image,
		Source:    source,
		CPF:       id.CPF,
		BirthDate: id.BirthDate,
		SignedAt:  s.cfg.Now(),
		Location:  s.location.Location(),
	}, s.cfg.Requirements, s.cfg.Now())
	if err != nil {
		return nil, err
	}
	signedAt := ev.SignedAt
	loc := ev.Location
	return s.client.Sign(ctx, s.cfg.ContractID, SignRequest{
		ClientName:     id.ClientName,
		CPF:            ev.CPF,
		BirthDate:      ev.BirthDate,
		SignatureImage: ev.Image,
		Source:         string(ev.Source),
		Location:       &loc,
		SignedAt:       &signedAt,
		SignatoryEmail: ev.Email,
	}, s.key)
}
