package signdesk

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/evidence"
	"github.com/accordsai/signdesk/pkg/geo"
	"github.com/accordsai/signdesk/pkg/seal"
	"github.com/accordsai/signdesk/pkg/sigevent"
	"github.com/accordsai/signdesk/pkg/sigsurface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() Option {
	return WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
}

func TestErrorIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"request_id":"req_1","error":"invalid signature","code":"VALIDATION","details":{"cpf":"CPF is required"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Sign(context.Background(), "ctr_1", SignRequest{}, "")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION", apiErr.Code)
	assert.Equal(t, "req_1", apiErr.RequestID)
	assert.Equal(t, "CPF is required", apiErr.Details["cpf"])
	assert.True(t, IsCode(err, "VALIDATION"))
}

func TestOperatorCallsCarryToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/contracts", r.URL.Path)
		assert.Equal(t, "sent", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"contracts":[{"id":"ctr_1","title":"Lease","status":"sent"}]}`))
	}))
	defer srv.Close()

	list, err := NewClient(srv.URL, WithOperatorToken("tok")).ListContracts(context.Background(), ListOptions{Status: contract.StatusSent})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ctr_1", list[0].ID)
	assert.Equal(t, "Bearer tok", auth)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"view":"open","can_sign":true,"signatory_index":-1,"contract":{"id":"ctr_1"}}`))
	}))
	defer srv.Close()

	v, err := NewClient(srv.URL, fastRetry()).ResolveLink(context.Background(), "ctr_1", "")
	require.NoError(t, err)
	assert.True(t, v.CanSign)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSignWithoutKeyIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, fastRetry()).Sign(context.Background(), "ctr_1", SignRequest{}, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

type captured struct {
	calls atomic.Int32
	keys  []string
	body  map[string]any
	path  string
}

func signServer(t *testing.T, c *captured) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls.Add(1)
		c.path = r.URL.Path
		c.keys = append(c.keys, r.Header.Get("Idempotency-Key"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &c.body))
		if len(c.keys) > 1 {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		_, _ = w.Write([]byte(`{"contract_id":"ctr_1","signatory_email":"ana@example.com","status":"pending"}`))
	}))
}

func draw(s *sigsurface.Surface) {
	s.Pointer(sigsurface.Event{Kind: sigsurface.PointerDown, Point: sigsurface.Point{X: 20, Y: 20}})
	s.Pointer(sigsurface.Event{Kind: sigsurface.PointerMove, Point: sigsurface.Point{X: 250, Y: 80}})
	s.Pointer(sigsurface.Event{Kind: sigsurface.PointerUp, Point: sigsurface.Point{X: 250, Y: 80}})
}

// A denied location does not block signing; the event carries null fields.
func TestSessionSubmitWithDeniedLocation(t *testing.T) {
	c := &captured{}
	srv := signServer(t, c)
	defer srv.Close()

	denied := geo.LocatorFunc(func(ctx context.Context, opts geo.Options) (geo.Fix, error) {
		return geo.Fix{}, geo.ErrPermissionDenied
	})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sess := NewClient(srv.URL).OpenSession(context.Background(), SessionConfig{
		ContractID: "ctr_1",
		Email:      "ana@example.com",
		Locator:    denied,
		Now:        func() time.Time { return now },
	})
	defer sess.Close()
	draw(sess.Surface())

	_, err := sess.location.Wait(context.Background())
	require.ErrorIs(t, err, geo.ErrPermissionDenied)

	res, err := sess.Submit(context.Background(), Identity{CPF: "123.456.789-01", BirthDate: "1990-01-01"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "/sign/ctr_1", c.path)

	loc := c.body["location"].(map[string]any)
	assert.Nil(t, loc["latitude"])
	assert.Nil(t, loc["longitude"])
	assert.Nil(t, loc["address"])
	assert.Equal(t, "12345678901", c.body["cpf"])
	assert.Equal(t, "drawn", c.body["source"])
	assert.Equal(t, "ana@example.com", c.body["signatoryEmail"])

	res, err = sess.Submit(context.Background(), Identity{CPF: "12345678901", BirthDate: "1990-01-01"})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	require.Len(t, c.keys, 2)
	assert.NotEmpty(t, c.keys[0])
	assert.Equal(t, c.keys[0], c.keys[1], "a session reuses its idempotency key")
}

func TestSessionValidatesBeforeSending(t *testing.T) {
	c := &captured{}
	srv := signServer(t, c)
	defer srv.Close()

	sess := NewClient(srv.URL).OpenSession(context.Background(), SessionConfig{ContractID: "ctr_1"})
	defer sess.Close()

	_, err := sess.Submit(context.Background(), Identity{})
	var verr *sigevent.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "no signature provided", verr.Fields["signature_image"])
	assert.Contains(t, verr.Fields, "cpf")
	assert.Zero(t, c.calls.Load())
}

func TestSessionUsesCapturedLocation(t *testing.T) {
	c := &captured{}
	srv := signServer(t, c)
	defer srv.Close()

	fix := geo.LocatorFunc(func(ctx context.Context, opts geo.Options) (geo.Fix, error) {
		return geo.Fix{Latitude: -22.9, Longitude: -43.2}, nil
	})
	sess := NewClient(srv.URL).OpenSession(context.Background(), SessionConfig{
		ContractID:   "ctr_1",
		Locator:      fix,
		Requirements: sigevent.Requirements{CPF: true},
	})
	defer sess.Close()
	draw(sess.Surface())
	_, err := sess.location.Wait(context.Background())
	require.NoError(t, err)

	_, err = sess.Submit(context.Background(), Identity{CPF: "12345678901"})
	require.NoError(t, err)
	loc := c.body["location"].(map[string]any)
	assert.Equal(t, -22.9, loc["latitude"])
}

func signedContract(t *testing.T) contract.Contract {
	t.Helper()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	c, err := contract.New(contract.Draft{
		Title:       "NDA",
		Signatories: []contract.SignatoryInput{{Name: "Ana", Email: "ana@example.com"}},
	}, "ctr_ev", at)
	require.NoError(t, err)
	s := sigsurface.New(300, 100, 1)
	draw(s)
	img, err := s.ToImage()
	require.NoError(t, err)
	_, err = c.ApplySignature("ana@example.com", contract.Signature{Image: img, SignedAt: at}, at)
	require.NoError(t, err)
	return c
}

func TestVerifyEvidence(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sealed, err := evidence.NewGenerator(nil, seal.NewSigner(priv)).Seal(signedContract(t))
	require.NoError(t, err)

	tamper := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/contracts/ctr_ev/evidence-bundle", r.URL.Path)
		b := sealed.Bundle
		if tamper {
			b.Artifacts.Contract.Title = "Altered NDA"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"bundle": b, "seal": sealed.Seal})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithOperatorToken("tok"))
	v, err := c.VerifyEvidence(context.Background(), "ctr_ev", pub)
	require.NoError(t, err)
	assert.True(t, v.Verified())
	require.NotNil(t, v.Seal)
	assert.Equal(t, seal.KeyID(pub), v.Seal.KeyID)

	other, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = c.VerifyEvidence(context.Background(), "ctr_ev", other)
	assert.True(t, errors.Is(err, seal.ErrInvalidSignature))

	tamper = true
	v, err = c.VerifyEvidence(context.Background(), "ctr_ev", nil)
	require.NoError(t, err)
	assert.False(t, v.Verified())
}

func TestVerifyEvidenceJSONRequiresSealWhenTrusted(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sealed, err := evidence.NewGenerator(nil, nil).Seal(signedContract(t))
	require.NoError(t, err)
	body, err := json.Marshal(sealed)
	require.NoError(t, err)

	v, err := VerifyEvidenceJSON(body, nil)
	require.NoError(t, err)
	assert.True(t, v.Verified())
	assert.Equal(t, "ctr_ev", v.ContractID)
	assert.Nil(t, v.Seal)

	_, err = VerifyEvidenceJSON(body, pub)
	assert.ErrorIs(t, err, ErrNotSealed)

	_, err = VerifyEvidenceJSON([]byte(`{}`), nil)
	assert.ErrorIs(t, err, ErrNoBundle)
}

func TestSessionUploadBound(t *testing.T) {
	sess := NewClient("http://unused").OpenSession(context.Background(), SessionConfig{ContractID: "ctr_1", MaxUploadBytes: 1024})
	defer sess.Close()
	err := sess.Surface().Upload(sigsurface.MIMEPNG, make([]byte, 1025))
	assert.ErrorIs(t, err, sigsurface.ErrTooLarge)
	assert.False(t, sess.Surface().HasContent())
}
