package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBase(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", ":memory:")
	t.Setenv("OPERATOR_TOKEN", "op-secret")
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "sign", cfg.SigningRoute)
	assert.True(t, cfg.RequireCPF)
	assert.True(t, cfg.RequireBirthDate)
	assert.Equal(t, 5<<20, cfg.MaxSignatureBytes)
	assert.Equal(t, 3*time.Second, cfg.GeocoderTimeout)

	signer, err := cfg.Signer()
	require.NoError(t, err)
	assert.Nil(t, signer)

	proxies, err := cfg.Proxies()
	require.NoError(t, err)
	assert.Empty(t, proxies)
}

func TestTrustedProxies(t *testing.T) {
	setBase(t)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")
	cfg, err := Load()
	require.NoError(t, err)
	proxies, err := cfg.Proxies()
	require.NoError(t, err)
	assert.Len(t, proxies, 2)
}

func TestLoadParseError(t *testing.T) {
	setBase(t)
	t.Setenv("REQUIRE_CPF", "maybe")
	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "parse env:"), err.Error())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres needs url", map[string]string{"STORE_DRIVER": "postgres", "DATABASE_URL": ""}, "DATABASE_URL"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mysql"}, "STORE_DRIVER"},
		{"token", map[string]string{"OPERATOR_TOKEN": ""}, "OPERATOR_TOKEN"},
		{"route", map[string]string{"SIGNING_ROUTE": "v1"}, "SIGNING_ROUTE"},
		{"nested route", map[string]string{"SIGNING_ROUTE": "a/b"}, "SIGNING_ROUTE"},
		{"seal key", map[string]string{"EVIDENCE_SEAL_KEY": "c2hvcnQ="}, "EVIDENCE_SEAL_KEY"},
		{"trusted proxies", map[string]string{"TRUSTED_PROXIES": "10.0.0.0/8,lb.internal"}, "TRUSTED_PROXIES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSealKeyAndRouteNormalization(t *testing.T) {
	setBase(t)
	seed := make([]byte, ed25519.SeedSize)
	t.Setenv("EVIDENCE_SEAL_KEY", base64.StdEncoding.EncodeToString(seed))
	t.Setenv("SIGNING_ROUTE", "/assinar/")
	t.Setenv("STORE_DRIVER", " SQLite ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "assinar", cfg.SigningRoute)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	signer, err := cfg.Signer()
	require.NoError(t, err)
	require.NotNil(t, signer)
	assert.Len(t, signer.KeyID(), 16)
}
