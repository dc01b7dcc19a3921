// Package config loads process configuration from environment variables,
// following louisbranch-fracturing.space's internal/platform/config.ParseEnv
// (a thin wrapper over github.com/caarlos0/env/v11).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-derived configuration for cmd/restfuncsd.
type Config struct {
	// ListenAddr is the address the HTTP server (duplex upgrade endpoint plus
	// the httpside collaborator endpoints) binds to.
	ListenAddr string `env:"RESTFUNCS_LISTEN_ADDR" envDefault:":8080"`

	// CookieName is the name of the browser-visible cookie carrying the
	// opaque "id.version" cookie session state.
	CookieName string `env:"RESTFUNCS_COOKIE_NAME" envDefault:"rfSessState"`

	// GroupID scopes which connections are allowed to share a cookie session
	// for CSRF-token purposes (spec §4.5 GateConfig.GroupID).
	GroupID string `env:"RESTFUNCS_GROUP_ID" envDefault:"default"`

	// TokenLifetime bounds how long a sealed question/answer token remains
	// acceptable. Zero disables expiration.
	TokenLifetime time.Duration `env:"RESTFUNCS_TOKEN_LIFETIME" envDefault:"30s"`

	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `env:"RESTFUNCS_LOG_LEVEL" envDefault:"info"`

	// Development switches on human-readable, caller-annotated logging.
	Development bool `env:"RESTFUNCS_DEV" envDefault:"false"`
}

// Load parses Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
