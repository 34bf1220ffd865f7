// Package api exposes the signing service over HTTP: public signing link
// routes and the operator API under /v1.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/accordsai/signdesk/pkg/authn"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/evidence"
	"github.com/accordsai/signdesk/pkg/httpx"
	"github.com/accordsai/signdesk/pkg/signinglink"
	"github.com/accordsai/signdesk/services/signing/internal/idempotency"
	"github.com/accordsai/signdesk/services/signing/internal/store"
	"github.com/accordsai/signdesk/services/signing/internal/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Service is the workflow surface the handlers drive.
type Service interface {
	Create(ctx context.Context, d contract.Draft) (contract.Contract, error)
	Get(ctx context.Context, id string) (contract.Contract, error)
	List(ctx context.Context, f store.ListFilter) ([]contract.Contract, error)
	Edit(ctx context.Context, id string, p contract.Patch) (contract.Contract, error)
	Delete(ctx context.Context, id string) error
	Send(ctx context.Context, id string) (contract.Contract, []signinglink.SignatoryLink, error)
	Duplicate(ctx context.Context, id string) (contract.Contract, error)
	Events(ctx context.Context, id string) ([]store.Event, error)
	Evidence(ctx context.Context, id string) (evidence.Document, error)
	EvidenceBundle(ctx context.Context, id string) (evidence.Sealed, error)
	Resolve(ctx context.Context, id, email string) (signinglink.Decision, error)
	Submit(ctx context.Context, id string, sub workflow.Submission) (workflow.Receipt, error)
}

var _ Service = (*workflow.Service)(nil)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Route          string
	MaxBodyBytes   int64
	SubmitPerMin   int
	SubmitBurst    int
	RequestTimeout time.Duration
	// TrustedProxies gates X-Forwarded-For; the peer address is used
	// otherwise.
	TrustedProxies httpx.TrustedProxies
}

type Handler struct {
	svc      Service
	idem     idempotency.Store
	health   Pinger
	operator *authn.Operator
	log      *zap.Logger
	limiter  *ipLimiter
	opts     Options
}

func NewHandler(svc Service, idem idempotency.Store, health Pinger, operator *authn.Operator, log *zap.Logger, opts Options) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Route == "" {
		opts.Route = signinglink.DefaultRoute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.SubmitPerMin <= 0 {
		opts.SubmitPerMin = 30
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 5
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Handler{
		svc:      svc,
		idem:     idem,
		health:   health,
		operator: operator,
		log:      log.With(zap.String("component", "api")),
		limiter:  newIPLimiter(opts.SubmitPerMin, opts.SubmitBurst),
		opts:     opts,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.AssignRequestID)
	r.Use(httpx.RealIP(h.opts.TrustedProxies))
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Timeout(h.opts.RequestTimeout))

	r.Get("/health", h.handleHealth)

	link := "/" + h.opts.Route + "/{contract_id}"
	r.Get(link, h.handleResolve)
	r.With(h.limiter.middleware).Post(link, h.handleSubmit)

	r.Route("/v1", func(api chi.Router) {
		api.Use(requireOperator(h.operator, h.log))
		api.Post("/contracts", h.handleCreate)
		api.Get("/contracts", h.handleList)
		api.Get("/contracts/{contract_id}", h.handleGet)
		api.Patch("/contracts/{contract_id}", h.handleEdit)
		api.Delete("/contracts/{contract_id}", h.handleDelete)
		api.Post("/contracts/{contract_id}:send", h.handleSend)
		api.Post("/contracts/{contract_id}:duplicate", h.handleDuplicate)
		api.Get("/contracts/{contract_id}/events", h.handleEvents)
		api.Get("/contracts/{contract_id}/evidence.pdf", h.handleEvidencePDF)
		api.Get("/contracts/{contract_id}/evidence-bundle", h.handleEvidenceBundle)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// fail writes err and logs anything that is not a client error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	rec := &statusRecorder{ResponseWriter: w}
	httpx.WriteAppError(rec, r, err)
	if rec.status >= 500 {
		h.log.Error("request failed",
			zap.String("request_id", httpx.RequestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
}
