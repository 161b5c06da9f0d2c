package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DomainPolicy is the per-target-host stealth configuration shared across
// sessions. The zero MaxConcurrent / MaxPerDay mean "use defaults", applied
// at config load.
type DomainPolicy struct {
	Domain        string        `json:"domain" yaml:"-"`
	MaxPerDay     int           `json:"max_per_day" yaml:"max_per_day"`
	MinInterval   time.Duration `json:"min_interval" yaml:"min_interval"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
	Avoid         bool          `json:"avoid" yaml:"avoid"`
	Cooldown      time.Duration `json:"cooldown" yaml:"cooldown"`
	BlockedUntil  *time.Time    `json:"blocked_until,omitempty" yaml:"-"`
}

// CanonicalDomain derives the rate-policy key from a job posting URL:
// the lowercased host with any port and leading "www." stripped.
func CanonicalDomain(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parsing job url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("job url %q has no host", rawURL)
	}
	host = strings.TrimPrefix(host, "www.")
	return host, nil
}
