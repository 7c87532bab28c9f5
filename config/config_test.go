package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facegraph.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
storage:
  redis:
    host: localhost
    port: "6379"
  postgres:
    host: localhost
    port: "5432"
    user: facegraph
    password: secret
    dbname: facegraph
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Pipeline.RequiredSteps; len(got) != 3 || got[0] != "visual" {
		t.Fatalf("required steps default = %v", got)
	}
	if cfg.Identity.EmbeddingDimensions != 512 {
		t.Fatalf("embedding dimensions default = %d", cfg.Identity.EmbeddingDimensions)
	}
	if cfg.Scheduler.LeaseTTL != 2*time.Minute {
		t.Fatalf("lease ttl default = %v", cfg.Scheduler.LeaseTTL)
	}
	if cfg.Detect.Provider != "fallback" {
		t.Fatalf("detect provider default = %q", cfg.Detect.Provider)
	}
	if cfg.Ingest.PageSize != 25 {
		t.Fatalf("ingest page size default = %d", cfg.Ingest.PageSize)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FACEGRAPH_SCHEDULER_MAX_DEFERRALS", "9")

	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxDeferrals != 9 {
		t.Fatalf("max deferrals = %d, want env override 9", cfg.Scheduler.MaxDeferrals)
	}
}

func TestLoadRejectsInvalidDetectProvider(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
detect:
  provider: premium
`))
	if err == nil || !strings.Contains(err.Error(), "detect.provider") {
		t.Fatalf("expected detect.provider error, got %v", err)
	}
}

func TestLoadRejectsMissingRedisHost(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  postgres:
    url: postgres://u:p@localhost:5432/db?sslmode=disable
`))
	if err == nil || !strings.Contains(err.Error(), "storage.redis.host") {
		t.Fatalf("expected redis host error, got %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "facegraph"}
	if got := p.DSN(); got != "postgres://u:p@db:5432/facegraph?sslmode=disable" {
		t.Fatalf("DSN = %q", got)
	}

	p.URL = "postgres://explicit"
	if got := p.DSN(); got != "postgres://explicit" {
		t.Fatalf("DSN with url = %q", got)
	}

	p = PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "facegraph", SSLMode: "require"}
	if got := p.DSN(); !strings.HasSuffix(got, "sslmode=require") {
		t.Fatalf("DSN sslmode = %q", got)
	}
}

func TestPipelineValidate(t *testing.T) {
	p := PipelineConfig{RequiredSteps: []string{"visual"}, FinalizerBackoffMin: 20 * time.Second, FinalizerBackoffMax: 10 * time.Second}
	if err := p.Validate(); err == nil {
		t.Fatal("expected backoff window error")
	}
	p.FinalizerBackoffMax = 30 * time.Second
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
