// Package config loads process settings from the environment and the
// lifecycle policy from YAML.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration.
type Config struct {
	DatabaseURL   string        `env:"VENDORFLOW_DATABASE_URL,required"`
	DBMaxConns    int32         `env:"VENDORFLOW_DB_MAX_CONNS" envDefault:"20"`
	HTTPAddr      string        `env:"VENDORFLOW_HTTP_ADDR" envDefault:":8080"`
	JWTSecret     string        `env:"VENDORFLOW_JWT_SECRET"`
	TokenTTL      time.Duration `env:"VENDORFLOW_TOKEN_TTL" envDefault:"24h"`
	GatewaySecret string        `env:"VENDORFLOW_GATEWAY_SECRET"`
	NATSURL       string        `env:"VENDORFLOW_NATS_URL"`
	PolicyFile    string        `env:"VENDORFLOW_POLICY_FILE"`
	SweepInterval time.Duration `env:"VENDORFLOW_SWEEP_INTERVAL" envDefault:"1m"`
	RelayInterval time.Duration `env:"VENDORFLOW_RELAY_INTERVAL" envDefault:"2s"`
	RelayBatch    int           `env:"VENDORFLOW_RELAY_BATCH_SIZE" envDefault:"20"`
	RelayAttempts int           `env:"VENDORFLOW_RELAY_MAX_ATTEMPTS" envDefault:"5"`
	OTelEndpoint  string        `env:"VENDORFLOW_OTEL_ENDPOINT"`
	LogLevel      string        `env:"VENDORFLOW_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// ValidateServe checks the settings only the HTTP server needs.
func (c Config) ValidateServe() error {
	var errs []error
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("config: VENDORFLOW_JWT_SECRET must be at least 16 bytes"))
	}
	if c.GatewaySecret == "" {
		errs = append(errs, errors.New("config: VENDORFLOW_GATEWAY_SECRET is required"))
	}
	if c.SweepInterval <= 0 || c.RelayInterval <= 0 {
		errs = append(errs, errors.New("config: sweep and relay intervals must be positive"))
	}
	if c.RelayBatch <= 0 || c.RelayAttempts <= 0 {
		errs = append(errs, errors.New("config: relay batch size and max attempts must be positive"))
	}
	return errors.Join(errs...)
}
