package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	tenant := cfg.TenantOrDefault("missing")
	if !tenant.FoldCase {
		t.Fatalf("expected default fold_case=true")
	}
	if tenant.ChallengeWindow != 2*time.Minute {
		t.Fatalf("unexpected challenge window: %v", tenant.ChallengeWindow)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rolegate.yaml")
	body := `
listen_addr: ":9090"
tenants:
  t1:
    fold_case: false
    generators: [dynamic]
    generator_failure_aborts: true
    challenge_window: 1m
    read_max_age: 90s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ROLEGATE_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env override not applied: %s", cfg.ListenAddr)
	}
	tenant := cfg.TenantOrDefault("t1")
	if tenant.FoldCase {
		t.Fatalf("fold_case should be false")
	}
	if !tenant.GeneratorFailureAborts {
		t.Fatalf("generator_failure_aborts should be true")
	}
	if len(tenant.Generators) != 1 || tenant.Generators[0] != "dynamic" {
		t.Fatalf("unexpected generators: %v", tenant.Generators)
	}
	if tenant.ChallengeWindow != time.Minute {
		t.Fatalf("unexpected challenge window: %v", tenant.ChallengeWindow)
	}
	if tenant.ReadMaxAge != 90*time.Second {
		t.Fatalf("unexpected read max age: %v", tenant.ReadMaxAge)
	}
	// Unset knobs fall back to defaults.
	if tenant.DefaultMaxCertAge != 24*time.Hour {
		t.Fatalf("unexpected default cert age: %v", tenant.DefaultMaxCertAge)
	}
}
