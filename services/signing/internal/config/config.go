// Package config loads the signing service configuration from the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/httpx"
	"github.com/accordsai/signdesk/pkg/seal"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port        string `env:"SERVICE_PORT" envDefault:"8090"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"signdesk.db"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	LogEnv   string `env:"LOG_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	OperatorToken string `env:"OPERATOR_TOKEN"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8090"`
	SigningRoute  string `env:"SIGNING_ROUTE" envDefault:"sign"`

	RequireCPF        bool `env:"REQUIRE_CPF" envDefault:"true"`
	RequireBirthDate  bool `env:"REQUIRE_BIRTH_DATE" envDefault:"true"`
	MaxSignatureBytes int  `env:"MAX_SIGNATURE_BYTES" envDefault:"5242880"`
	MinInkPixels      int  `env:"MIN_INK_PIXELS" envDefault:"20"`

	GeocoderURL     string        `env:"GEOCODER_URL"`
	GeocoderTimeout time.Duration `env:"GEOCODER_TIMEOUT" envDefault:"3s"`
	GeocoderAgent   string        `env:"GEOCODER_USER_AGENT" envDefault:"signdesk/1.0"`

	EvidenceSealKey string `env:"EVIDENCE_SEAL_KEY"`
	EvidenceIssuer  string `env:"EVIDENCE_ISSUER" envDefault:"signdesk"`

	// TrustedProxies may report the client address in X-Forwarded-For.
	// Empty means the connection peer is always the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	SubmitRatePerMinute int `env:"SUBMIT_RATE_PER_MINUTE" envDefault:"30"`
	SubmitBurst         int `env:"SUBMIT_BURST" envDefault:"5"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if strings.TrimSpace(c.OperatorToken) == "" {
		return fmt.Errorf("OPERATOR_TOKEN is required")
	}
	if c.MaxSignatureBytes <= 0 {
		return fmt.Errorf("MAX_SIGNATURE_BYTES must be positive")
	}
	if c.SubmitRatePerMinute <= 0 || c.SubmitBurst <= 0 {
		return fmt.Errorf("SUBMIT_RATE_PER_MINUTE and SUBMIT_BURST must be positive")
	}
	c.SigningRoute = strings.Trim(c.SigningRoute, "/")
	if c.SigningRoute == "" || strings.Contains(c.SigningRoute, "/") || c.SigningRoute == "v1" || c.SigningRoute == "health" {
		return fmt.Errorf("SIGNING_ROUTE must be a single path segment other than v1 or health")
	}
	if _, err := httpx.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	if c.EvidenceSealKey != "" {
		if _, err := seal.ParseKey(c.EvidenceSealKey); err != nil {
			return fmt.Errorf("EVIDENCE_SEAL_KEY: %w", err)
		}
	}
	return nil
}

func (c Config) Proxies() (httpx.TrustedProxies, error) {
	return httpx.ParseTrustedProxies(c.TrustedProxies)
}

// Signer returns the evidence seal signer, or nil when sealing is off.
func (c Config) Signer() (*seal.Signer, error) {
	if c.EvidenceSealKey == "" {
		return nil, nil
	}
	return seal.ParseKey(c.EvidenceSealKey)
}
