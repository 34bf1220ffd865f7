package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/accordsai/signdesk/pkg/apperr"
)

func TestWriteAppErrorUsesTaxonomy(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sign/ctr_1", nil)
	WriteAppError(rr, req, fmt.Errorf("resolve: %w", apperr.Forbidden("you are not a signatory on this contract")))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "FORBIDDEN" || body["error"] != "you are not a signatory on this contract" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if !strings.HasPrefix(fmt.Sprint(body["request_id"]), "req_") {
		t.Fatalf("expected generated request id, got %v", body["request_id"])
	}
}

func TestWriteAppErrorHidesUnknown(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteAppError(rr, req, errors.New("pq: password authentication failed"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatalf("internal error text leaked: %s", rr.Body.String())
	}
}

func TestClientIPIgnoresForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.10:12345"
	req.Header.Set("X-Forwarded-For", "198.51.100.5")
	if got := ClientIP(req); got != "203.0.113.10" {
		t.Fatalf("expected peer address, got %s", got)
	}
}

func TestTrustedProxiesClient(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", ""})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer keeps its own address", "203.0.113.10:1", "198.51.100.5", "203.0.113.10"},
		{"trusted peer without header", "10.1.2.3:1", "", "10.1.2.3"},
		{"trusted peer", "10.1.2.3:1", "198.51.100.5", "198.51.100.5"},
		{"forged left entries are ignored", "10.1.2.3:1", "1.2.3.4, 198.51.100.5", "198.51.100.5"},
		{"proxy chain", "192.0.2.1:1", "198.51.100.5, 10.9.9.9", "198.51.100.5"},
		{"garbage hop stops the walk", "10.1.2.3:1", "198.51.100.5, nonsense", "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := tp.Client(req); got != tc.want {
				t.Fatalf("Client() = %s, want %s", got, tc.want)
			}
		})
	}

	if _, err := ParseTrustedProxies([]string{"10.0.0.0/33"}); err == nil {
		t.Fatal("expected error for bad prefix")
	}
	if _, err := ParseTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Fatal("expected error for hostname")
	}
}

func TestRealIPRewritesOnlyForTrustedPeers(t *testing.T) {
	tp, _ := ParseTrustedProxies([]string{"10.0.0.0/8"})
	var seen string
	h := RealIP(tp)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIP(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5000"
	req.Header.Set("X-Forwarded-For", "2001:db8::1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "2001:db8::1" {
		t.Fatalf("expected forwarded client, got %s", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.10:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.5")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "203.0.113.10" {
		t.Fatalf("expected peer address, got %s", seen)
	}
}

func TestAssignRequestID(t *testing.T) {
	var inside string
	h := AssignRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inside = RequestID(r)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(inside, "req_") {
		t.Fatalf("expected req_ id, got %q", inside)
	}
	if rr.Header().Get(HeaderRequestID) != inside {
		t.Fatalf("response header %q does not match %q", rr.Header().Get(HeaderRequestID), inside)
	}
}

func TestParseBearer(t *testing.T) {
	tok, ok := ParseBearer("Bearer abc123")
	if !ok || tok != "abc123" {
		t.Fatalf("expected parsed bearer token, got ok=%v token=%q", ok, tok)
	}
	if _, ok := ParseBearer("abc123"); ok {
		t.Fatal("expected parse failure without Bearer prefix")
	}
}
