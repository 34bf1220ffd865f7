package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/accordsai/signdesk/pkg/apperr"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

const HeaderRequestID = "X-Request-Id"

// AssignRequestID stores a "req_" id in the context under chi's request id
// key, so middleware.GetReqID and the logger see the same value, and
// echoes it in the response.
func AssignRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := NewRequestID()
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by AssignRequestID, or a fresh one
// when the request did not pass through it.
func RequestID(r *http.Request) string {
	if r != nil {
		if id := middleware.GetReqID(r.Context()); id != "" {
			return id
		}
	}
	return NewRequestID()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": RequestID(r),
		"error":      message,
		"code":       code,
	}
	if details != nil {
		resp["details"] = details
	}
	WriteJSON(w, status, resp)
}

// WriteAppError renders err using its AppError code. Errors outside the
// taxonomy are reported as INTERNAL without leaking their text.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		WriteError(w, r, http.StatusInternalServerError, string(apperr.CodeInternal), "internal error", nil)
		return
	}
	var details any
	if len(ae.Details) > 0 {
		details = ae.Details
	}
	WriteError(w, r, apperr.HTTPStatus(ae.Code), string(ae.Code), ae.Message, details)
}

// ClientIP is the peer address of the connection. Forwarded headers are
// only applied by RealIP, for peers that are trusted proxies.
func ClientIP(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}

// TrustedProxies are the networks allowed to report the client address in
// X-Forwarded-For.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDR ranges and bare addresses.
func ParseTrustedProxies(list []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (tp TrustedProxies) trusts(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range tp {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Client resolves the originating address of r. When the peer is a trusted
// proxy, X-Forwarded-For is read right to left and the first hop that is
// not itself a trusted proxy wins; entries left of it are client supplied
// and ignored.
func (tp TrustedProxies) Client(r *http.Request) string {
	peer := ClientIP(r)
	a, err := netip.ParseAddr(peer)
	if err != nil || !tp.trusts(a) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap().String()
		if !tp.trusts(hop) {
			break
		}
	}
	return client
}

// RealIP rewrites RemoteAddr to the resolved client address so ClientIP,
// rate limiting and recorded evidence all see the same value.
func RealIP(tp TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(tp) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if client := tp.Client(r); client != ClientIP(r) {
				r = r.WithContext(r.Context())
				r.RemoteAddr = net.JoinHostPort(client, "0")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ParseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}
