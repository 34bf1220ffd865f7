package geocodeclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/accordsai/signdesk/pkg/geo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ geo.ReverseGeocoder = (*Client)(nil)

func TestReverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, "-23.5613", r.URL.Query().Get("lat"))
		assert.Equal(t, "-46.6565", r.URL.Query().Get("lon"))
		assert.Equal(t, "signdesk-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"display_name":" Avenida Paulista, São Paulo "}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "signdesk-test", time.Second)
	addr, err := c.Reverse(context.Background(), -23.5613, -46.6565)
	require.NoError(t, err)
	assert.Equal(t, "Avenida Paulista, São Paulo", addr)
}

func TestReverseUnknownPlace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Unable to geocode"}`))
	}))
	defer srv.Close()

	addr, err := New(srv.URL, "", time.Second).Reverse(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, addr)
}

func TestReverseUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Reverse(context.Background(), 1, 1)
	assert.ErrorContains(t, err, "503")
}

// A failed lookup never blocks: geo.Enrich keeps the coordinates.
func TestEnrichWithFailingService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	lat, lng := 1.0, 2.0
	out := geo.Enrich(context.Background(), New(srv.URL, "", time.Second), geo.Result{Latitude: lat, Longitude: lng}.Location(), 20*time.Millisecond)
	assert.Nil(t, out.Address)
	require.NotNil(t, out.Latitude)
	assert.Equal(t, 1.0, *out.Latitude)
}
