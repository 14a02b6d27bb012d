package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for missing config.yaml")
	}
	if cfg.Executor.WorkerCount != 4 {
		t.Fatalf("worker_count = %d, want 4", cfg.Executor.WorkerCount)
	}
	if cfg.Executor.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d, want 3", cfg.Executor.MaxAttempts)
	}
	if cfg.Retrieval.Threshold != 0.35 {
		t.Fatalf("threshold = %v, want 0.35", cfg.Retrieval.Threshold)
	}
	if cfg.Embedding.MaxRetries != 5 {
		t.Fatalf("embedding max_retries = %d, want 5", cfg.Embedding.MaxRetries)
	}
	if cfg.DBPath != filepath.Join(home, "donna.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
}

func TestLoadFrom_ParsesAndNormalizes(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
llm:
  provider: gemini
retrieval:
  threshold: 0.5
executor:
  worker_count: 2
  backoff_base_seconds: 10
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis set despite existing config.yaml")
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("legacy provider not normalized: %q", cfg.LLM.Provider)
	}
	if cfg.Retrieval.Threshold != 0.5 {
		t.Fatalf("threshold = %v, want 0.5", cfg.Retrieval.Threshold)
	}
	if cfg.Executor.WorkerCount != 2 {
		t.Fatalf("worker_count = %d, want 2", cfg.Executor.WorkerCount)
	}
	if cfg.Executor.BackoffBaseSeconds != 10 {
		t.Fatalf("backoff_base_seconds = %d, want 10", cfg.Executor.BackoffBaseSeconds)
	}
	// Unset sections still get defaults.
	if cfg.Embedding.Provider != "genai" {
		t.Fatalf("embedding provider = %q, want genai", cfg.Embedding.Provider)
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("llm: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected parse error for malformed yaml")
	}
}

func TestAPIKey_EnvOverride(t *testing.T) {
	cfg := Config{APIKeys: map[string]string{"mail": "from-file"}}
	if got := cfg.APIKey("mail"); got != "from-file" {
		t.Fatalf("api key = %q, want from-file", got)
	}
	t.Setenv("DONNA_MAIL_API_KEY", "from-env")
	if got := cfg.APIKey("mail"); got != "from-env" {
		t.Fatalf("api key = %q, want env override", got)
	}
}

func TestFingerprint_ChangesWithTunables(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	b.Retrieval.Threshold = 0.7
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("threshold change did not alter fingerprint")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Retrieval.Threshold = 0.42
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Retrieval.Threshold != 0.42 {
		t.Fatalf("threshold after round trip = %v, want 0.42", got.Retrieval.Threshold)
	}
}
