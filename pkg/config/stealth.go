package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/applyops/applyd/pkg/models"
)

// StealthConfig is the resolved stealth.yaml: per-domain pacing policies
// plus the default applied to domains without an explicit entry.
type StealthConfig struct {
	Default models.DomainPolicy
	Domains map[string]models.DomainPolicy
}

// PolicyFor returns the policy for a canonical domain. Unknown domains
// get the default policy keyed under their own name.
func (c *StealthConfig) PolicyFor(domain string) models.DomainPolicy {
	if p, ok := c.Domains[domain]; ok {
		return p
	}
	p := c.Default
	p.Domain = domain
	return p
}

// domainPolicyYAML is the on-disk shape of one stealth entry. Intervals
// are plain seconds so operators do not have to know duration syntax.
type domainPolicyYAML struct {
	MaxPerDay          int  `yaml:"max_per_day"`
	MinIntervalSeconds int  `yaml:"min_interval_seconds"`
	MaxConcurrent      int  `yaml:"max_concurrent"`
	Avoid              bool `yaml:"avoid"`
	CooldownSeconds    int  `yaml:"cooldown_seconds"`
}

type stealthYAML struct {
	Default *domainPolicyYAML           `yaml:"default"`
	Domains map[string]domainPolicyYAML `yaml:"domains"`
}

func (y *domainPolicyYAML) toPolicy(domain string) models.DomainPolicy {
	return models.DomainPolicy{
		Domain:        domain,
		MaxPerDay:     y.MaxPerDay,
		MinInterval:   time.Duration(y.MinIntervalSeconds) * time.Second,
		MaxConcurrent: y.MaxConcurrent,
		Avoid:         y.Avoid,
		Cooldown:      time.Duration(y.CooldownSeconds) * time.Second,
	}
}

// defaultDomainPolicy is the built-in fallback when stealth.yaml carries
// no default entry.
func defaultDomainPolicy() models.DomainPolicy {
	return models.DomainPolicy{
		MaxPerDay:     20,
		MinInterval:   60 * time.Second,
		MaxConcurrent: 1,
		Cooldown:      30 * time.Minute,
	}
}

// resolveStealth converts the YAML shape into the runtime config, filling
// unset fields of each domain entry from the default policy.
func resolveStealth(y *stealthYAML) (*StealthConfig, error) {
	cfg := &StealthConfig{
		Default: defaultDomainPolicy(),
		Domains: make(map[string]models.DomainPolicy),
	}
	if y == nil {
		return cfg, nil
	}

	if y.Default != nil {
		def := y.Default.toPolicy("")
		if err := mergo.Merge(&def, defaultDomainPolicy()); err != nil {
			return nil, fmt.Errorf("merging default domain policy: %w", err)
		}
		cfg.Default = def
	}

	for domain, entry := range y.Domains {
		p := entry.toPolicy(domain)
		fallback := cfg.Default
		fallback.Domain = domain
		// Avoid is deliberately not inherited; mergo leaves false as-is.
		if err := mergo.Merge(&p, fallback); err != nil {
			return nil, fmt.Errorf("merging domain policy for %s: %w", domain, err)
		}
		cfg.Domains[domain] = p
	}
	return cfg, nil
}
