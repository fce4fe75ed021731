// Package config loads service configuration from a YAML file with
// environment-variable overrides (ROLEGATE_*).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	SessionKey   string `yaml:"session_key"`
	CookieName   string `yaml:"cookie_name"`
	RateBurst    int    `yaml:"rate_burst"`
	RatePerSec   int    `yaml:"rate_per_sec"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`

	// MFAWebhookURL is the blocking approval endpoint for step-up pushes.
	// Empty means step-up requests are always denied.
	MFAWebhookURL string `yaml:"mfa_webhook_url"`

	Tenants map[string]Tenant `yaml:"tenants"`
}

// Tenant holds per-tenant policy knobs.
type Tenant struct {
	// FoldCase lowercases identity and role-name keys on both the write
	// and read side of the authorization mapping.
	FoldCase bool `yaml:"fold_case"`

	// Generators lists enabled mapping generators in merge order.
	Generators []string `yaml:"generators"`

	// GeneratorFailureAborts aborts a regeneration pass on the first
	// generator error instead of continuing with the accumulator so far.
	GeneratorFailureAborts bool `yaml:"generator_failure_aborts"`

	// ChallengeWindow bounds the lifetime of a challenge token.
	ChallengeWindow time.Duration `yaml:"challenge_window"`

	// ChallengeIPExact requires the browser IP to equal the creator IP.
	ChallengeIPExact bool `yaml:"challenge_ip_exact"`

	// DefaultMaxCertAge is used when the per-role policy lookup fails.
	DefaultMaxCertAge time.Duration `yaml:"default_max_cert_age"`

	// MFATimeout bounds the step-up wait.
	MFATimeout time.Duration `yaml:"mfa_timeout"`

	// ReadMaxAge is the freshness bound on authorization-mapping reads;
	// snapshots older than this read as absent.
	ReadMaxAge time.Duration `yaml:"read_max_age"`
}

// UnmarshalYAML accepts duration knobs as strings ("2m", "24h") and
// defaults the boolean policy flags to their safe values when omitted.
func (t *Tenant) UnmarshalYAML(value *yaml.Node) error {
	type rawTenant struct {
		FoldCase               *bool    `yaml:"fold_case"`
		Generators             []string `yaml:"generators"`
		GeneratorFailureAborts bool     `yaml:"generator_failure_aborts"`
		ChallengeWindow        string   `yaml:"challenge_window"`
		ChallengeIPExact       *bool    `yaml:"challenge_ip_exact"`
		DefaultMaxCertAge      string   `yaml:"default_max_cert_age"`
		MFATimeout             string   `yaml:"mfa_timeout"`
		ReadMaxAge             string   `yaml:"read_max_age"`
	}
	var raw rawTenant
	if err := value.Decode(&raw); err != nil {
		return err
	}

	def := DefaultTenant()
	t.FoldCase = def.FoldCase
	if raw.FoldCase != nil {
		t.FoldCase = *raw.FoldCase
	}
	t.ChallengeIPExact = def.ChallengeIPExact
	if raw.ChallengeIPExact != nil {
		t.ChallengeIPExact = *raw.ChallengeIPExact
	}
	t.Generators = raw.Generators
	t.GeneratorFailureAborts = raw.GeneratorFailureAborts

	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"challenge_window", raw.ChallengeWindow, &t.ChallengeWindow},
		{"default_max_cert_age", raw.DefaultMaxCertAge, &t.DefaultMaxCertAge},
		{"mfa_timeout", raw.MFATimeout, &t.MFATimeout},
		{"read_max_age", raw.ReadMaxAge, &t.ReadMaxAge},
	} {
		if d.src == "" {
			continue
		}
		dur, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = dur
	}
	return nil
}

// DefaultTenant is the tenant applied when none is configured.
func DefaultTenant() Tenant {
	return Tenant{
		FoldCase:          true,
		Generators:        []string{"roletag", "dynamic"},
		ChallengeWindow:   2 * time.Minute,
		ChallengeIPExact:  true,
		DefaultMaxCertAge: 24 * time.Hour,
		MFATimeout:        30 * time.Second,
		ReadMaxAge:        5 * time.Minute,
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides. A missing path yields the built-in defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddr:   ":8080",
		CookieName:   "rolegate_session",
		RateBurst:    20,
		RatePerSec:   10,
		MaxBodyBytes: 1 << 20,
		Tenants:      map[string]Tenant{},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// TenantOrDefault returns the tenant settings, falling back to defaults.
func (c Config) TenantOrDefault(name string) Tenant {
	if t, ok := c.Tenants[name]; ok {
		return t
	}
	return DefaultTenant()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ROLEGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ROLEGATE_PG_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("ROLEGATE_SESSION_KEY"); v != "" {
		cfg.SessionKey = v
	}
	if v := os.Getenv("ROLEGATE_COOKIE_NAME"); v != "" {
		cfg.CookieName = v
	}
	if v := os.Getenv("ROLEGATE_MFA_WEBHOOK"); v != "" {
		cfg.MFAWebhookURL = v
	}
}

func normalize(cfg *Config) {
	if cfg.Tenants == nil {
		cfg.Tenants = map[string]Tenant{}
	}
	for name, t := range cfg.Tenants {
		def := DefaultTenant()
		if len(t.Generators) == 0 {
			t.Generators = def.Generators
		}
		if t.ChallengeWindow <= 0 {
			t.ChallengeWindow = def.ChallengeWindow
		}
		if t.DefaultMaxCertAge <= 0 {
			t.DefaultMaxCertAge = def.DefaultMaxCertAge
		}
		if t.MFATimeout <= 0 {
			t.MFATimeout = def.MFATimeout
		}
		if t.ReadMaxAge <= 0 {
			t.ReadMaxAge = def.ReadMaxAge
		}
		cfg.Tenants[strings.TrimSpace(name)] = t
	}
}
