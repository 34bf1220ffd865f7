package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/httpx"
	"github.com/accordsai/signdesk/pkg/sigevent"
	"github.com/accordsai/signdesk/services/signing/internal/idempotency"
	"github.com/accordsai/signdesk/services/signing/internal/workflow"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const submitEndpoint = "POST /sign/{contract_id}"

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "contract_id"))
	email := r.URL.Query().Get("email")
	d, err := h.svc.Resolve(r.Context(), id, email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{
		"request_id":      httpx.RequestID(r),
		"view":            d.View,
		"can_sign":        d.View.CanSign(),
		"contract":        d.Contract,
		"signatory_index": d.Index,
	}
	if d.Signatory != nil {
		resp["signatory_email"] = d.Signatory.Email
	}
	if len(d.Pending) > 0 {
		resp["pending"] = d.Pending
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	ClientName     string             `json:"client_name"`
	CPF            string             `json:"cpf"`
	BirthDate      string             `json:"birth_date"`
	SignatureImage string             `json:"signature_image"`
	Source         string             `json:"source"`
	IPAddress      string             `json:"ip_address"`
	Location       *contract.Location `json:"location"`
	SignedAt       *time.Time         `json:"signed_at"`
	SignatoryEmail string             `json:"signatoryEmail"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "contract_id"))
	idem := idempotency.Request{Scope: id, Key: r.Header.Get(idempotency.HeaderKey), Endpoint: submitEndpoint}
	if h.idem != nil {
		status, body, found, err := idempotency.Replay(r.Context(), h.idem, idem)
		if err != nil {
			h.fail(w, r, apperr.Wrap(apperr.CodeInternal, "idempotency lookup failed", err))
			return
		}
		if found {
			w.Header().Set("Idempotent-Replayed", "true")
			httpx.WriteJSON(w, status, body)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	var req submitRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.fail(w, r, apperr.Validation("request body too large").WithDetails(map[string]any{"limit_bytes": h.opts.MaxBodyBytes}))
			return
		}
		h.fail(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}

	email := req.SignatoryEmail
	if strings.TrimSpace(email) == "" {
		email = r.URL.Query().Get("email")
	}
	sub := workflow.Submission{
		Email:      email,
		ClientName: req.ClientName,
		CPF:        req.CPF,
		BirthDate:  req.BirthDate,
		Image:      req.SignatureImage,
		Source:     sigevent.Source(req.Source),
		ReportedIP: req.IPAddress,
		ObservedIP: httpx.ClientIP(r),
	}
	if req.Location != nil {
		sub.Location = *req.Location
	}
	if req.SignedAt != nil {
		sub.SignedAt = *req.SignedAt
	}

	receipt, err := h.svc.Submit(r.Context(), id, sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{
		"request_id":      httpx.RequestID(r),
		"contract_id":     receipt.ContractID,
		"signatory_email": receipt.Email,
		"signatory_index": receipt.Index,
		"signed_at":       receipt.SignedAt.UTC().Format(time.RFC3339Nano),
		"status":          string(receipt.Status),
		"completed":       receipt.Completed,
	}
	if h.idem != nil {
		if err := idempotency.Save(r.Context(), h.idem, idem, http.StatusOK, resp); err != nil {
			h.log.Warn("save idempotency record", zap.String("contract_id", id), zap.Error(err))
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
