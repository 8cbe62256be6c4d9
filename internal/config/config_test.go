package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandPath(t *testing.T) {
	t.Parallel()
	got := ExpandPath("~/recall.db")
	if got == "~/recall.db" {
		t.Fatalf("expected home-expanded path, got %q", got)
	}
	if !strings.Contains(got, "recall.db") {
		t.Fatalf("expected expanded path to contain file name, got %q", got)
	}
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(cfg.ImportanceKeywords) == 0 {
		t.Fatal("expected default importance keywords")
	}
	if len(cfg.DomainTopics) == 0 {
		t.Fatal("expected default domain topics")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recall.yaml")
	body := `
user_id: alice
vector_dim: 512
context_budget: 4000
important_query_indicators: ["喜欢"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UserID != "alice" {
		t.Fatalf("expected user_id alice, got %q", cfg.UserID)
	}
	if cfg.VectorDim != 512 {
		t.Fatalf("expected vector_dim 512, got %d", cfg.VectorDim)
	}
	if cfg.ContextBudget != 4000 {
		t.Fatalf("expected context_budget 4000, got %d", cfg.ContextBudget)
	}
	if len(cfg.QueryIndicators) != 1 || cfg.QueryIndicators[0] != "喜欢" {
		t.Fatalf("expected overridden query indicators, got %v", cfg.QueryIndicators)
	}
	// Untouched keys keep their defaults.
	if cfg.RollingSize != 10 {
		t.Fatalf("expected default rolling_capacity 10, got %d", cfg.RollingSize)
	}
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UserID != "default" {
		t.Fatalf("expected default config, got user_id %q", cfg.UserID)
	}
}
