// Package config loads and validates the applyd configuration: the main
// applyd.yaml, the effort policy rules, and the per-domain stealth pacing.
// Environment variables are expanded with {{.VAR}} template syntax before
// parsing.
package config

import (
	"log/slog"
	"time"

	"github.com/applyops/applyd/pkg/models"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	System       *SystemConfig
	Pool         *PoolConfig
	Sessions     *SessionDefaults
	Intervention *InterventionConfig
	EffortPolicy *EffortPolicyConfig
	Stealth      *StealthConfig

	location *time.Location
}

// SystemConfig holds process-level settings.
type SystemConfig struct {
	// Timezone is the IANA zone governing daily rate resets and digest
	// date boundaries. Empty means UTC.
	Timezone string

	// ExecutorURL is the base URL of the browser executor service.
	ExecutorURL string

	// ListenAddr is the HTTP API bind address.
	ListenAddr string

	// DatabaseURL is the Postgres connection string. Usually supplied
	// via {{.DATABASE_URL}} in applyd.yaml.
	DatabaseURL string

	Slack SlackConfig
}

// SlackConfig controls the optional Slack notification sink.
type SlackConfig struct {
	Enabled bool
	// TokenEnv names the environment variable holding the bot token.
	TokenEnv string
	Channel  string
}

// DefaultSystemConfig returns the built-in system defaults.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		Timezone:    "UTC",
		ExecutorURL: "http://localhost:9020",
		ListenAddr:  ":8080",
	}
}

// Location returns the configured timezone, falling back to UTC when the
// zone name does not resolve.
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	return time.UTC
}

func (c *Config) resolveLocation() {
	if c.System == nil || c.System.Timezone == "" {
		c.location = time.UTC
		return
	}
	loc, err := time.LoadLocation(c.System.Timezone)
	if err != nil {
		slog.Warn("Unknown timezone, falling back to UTC",
			"timezone", c.System.Timezone)
		c.location = time.UTC
		return
	}
	c.location = loc
}

// Default returns a configuration built entirely from defaults, used when
// no config directory is supplied (tests, dry runs).
func Default() *Config {
	cfg := &Config{
		System:       DefaultSystemConfig(),
		Pool:         DefaultPoolConfig(),
		Sessions:     DefaultSessionDefaults(),
		Intervention: DefaultInterventionConfig(),
		EffortPolicy: DefaultEffortPolicyConfig(),
		Stealth: &StealthConfig{
			Default: defaultDomainPolicy(),
			Domains: map[string]models.DomainPolicy{},
		},
	}
	cfg.resolveLocation()
	return cfg
}
