package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/canonhash"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/httpx"
	"github.com/accordsai/signdesk/services/signing/internal/store"

	"github.com/go-chi/chi/v5"
)

func contractID(r *http.Request) string { return strings.TrimSpace(chi.URLParam(r, "contract_id")) }

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var d contract.Draft
	if err := httpx.ReadJSON(r, &d); err != nil {
		h.fail(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}
	c, err := h.svc.Create(r.Context(), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"request_id": httpx.RequestID(r), "contract": c})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{Status: contract.Status(strings.TrimSpace(q.Get("status")))}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		h.fail(w, r, apperr.Validation("limit must be a non-negative integer"))
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		h.fail(w, r, apperr.Validation("offset must be a non-negative integer"))
		return
	}
	list, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "contracts": list})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid integer")
	}
	return n, nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tag, err := canonhash.ETag(c); err == nil {
		w.Header().Set("ETag", tag)
		if r.Header.Get("If-None-Match") == tag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "contract": c})
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	var p contract.Patch
	if err := httpx.ReadJSON(r, &p); err != nil {
		h.fail(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}
	c, err := h.svc.Edit(r.Context(), contractID(r), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "contract": c})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := contractID(r)
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "contract_id": id, "deleted": true})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	c, links, err := h.svc.Send(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "contract": c, "links": links})
}

func (h *Handler) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Duplicate(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"request_id": httpx.RequestID(r), "contract": c})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "events": events})
}

func (h *Handler) handleEvidencePDF(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Evidence(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Body)))
	w.Header().Set("X-Evidence-Bundle-Hash", doc.BundleHash)
	w.Header().Set("ETag", `"`+strings.TrimPrefix(doc.BundleHash, canonhash.Prefix)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

func (h *Handler) handleEvidenceBundle(w http.ResponseWriter, r *http.Request) {
	sealed, err := h.svc.EvidenceBundle(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.RequestID(r),
		"bundle":     sealed.Bundle,
		"seal":       sealed.Seal,
	})
}
