package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds configuration for the agent brain.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic",
	// "openai_compatible".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`

	// OpenAICompatible config.
	OpenAICompatibleModel   string `yaml:"openai_compatible_model"`
	OpenAICompatibleBaseURL string `yaml:"openai_compatible_base_url"`
}

// EmbeddingConfig holds configuration for the embedding gateway.
type EmbeddingConfig struct {
	// Provider: "genai" or "ollama".
	Provider string `yaml:"provider"`

	GenAIModel string `yaml:"genai_model"` // default gemini-embedding-001

	OllamaEndpoint string `yaml:"ollama_endpoint"` // default http://localhost:11434
	OllamaModel    string `yaml:"ollama_model"`    // default embeddinggemma

	// MaxInputChars bounds content length before embedding (truncate, never fail).
	MaxInputChars int `yaml:"max_input_chars"`

	// MinCallIntervalMillis is the minimum spacing between consecutive calls
	// to the embedding provider, shared across the executor and the upsert
	// pipeline so they cannot independently burst past the rate limit.
	MinCallIntervalMillis int `yaml:"min_call_interval_millis"`

	// RetryBaseSeconds/RetryCapSeconds tune the embedding retry backoff.
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryCapSeconds  int `yaml:"retry_cap_seconds"`
	MaxRetries       int `yaml:"max_retries"`
}

// RetrievalConfig tunes vector similarity search.
type RetrievalConfig struct {
	// Threshold is the minimum cosine similarity for a document to be
	// surfaced. The value is deliberately configuration, not a constant:
	// tune it empirically per embedding model.
	Threshold float64 `yaml:"threshold"`

	// DefaultLimit caps search results when the caller does not specify one.
	DefaultLimit int `yaml:"default_limit"`

	// HistoryTurns is how many recent conversation turns feed the grounding
	// context alongside search hits.
	HistoryTurns int `yaml:"history_turns"`
}

// ExecutorConfig tunes the task worker pool.
type ExecutorConfig struct {
	WorkerCount        int `yaml:"worker_count"`
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	SweepSeconds       int `yaml:"sweep_seconds"`
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Executor  ExecutorConfig  `yaml:"executor"`
	OTel      OTelConfig      `yaml:"otel"`

	// APIKeys holds keys for action collaborators (mail, calendar, crm).
	// Env vars override: DONNA_MAIL_API_KEY → api_keys["mail"].
	APIKeys map[string]string `yaml:"api_keys"`

	NeedsGenesis bool `yaml:"-"`
}

// APIKey returns the value for the named API key, checking env overrides first.
func (c Config) APIKey(name string) string {
	envVar := "DONNA_" + strings.ToUpper(name) + "_API_KEY"
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// LLMAPIKey returns the API key for the configured LLM provider.
// Env vars take precedence: GOOGLE_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":            "GOOGLE_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.APIKey("llm")
}

// EmbeddingAPIKey returns the API key for the embedding provider.
func (c Config) EmbeddingAPIKey() string {
	if c.Embedding.Provider == "genai" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	return c.APIKey("embedding")
}

// Fingerprint returns a stable hash of the tunables that matter at runtime,
// used to detect live-reload changes.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|threshold=%f|limit=%d|log=%s",
		c.Executor.WorkerCount, c.Executor.TaskTimeoutSeconds,
		c.Retrieval.Threshold, c.Retrieval.DefaultLimit, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:    "google",
			GeminiModel: "gemini-2.5-flash",
		},
		Embedding: EmbeddingConfig{
			Provider:              "genai",
			GenAIModel:            "gemini-embedding-001",
			OllamaEndpoint:        "http://localhost:11434",
			OllamaModel:           "embeddinggemma",
			MaxInputChars:         8000,
			MinCallIntervalMillis: 200,
			RetryBaseSeconds:      30,
			RetryCapSeconds:       int((30 * time.Minute).Seconds()),
			MaxRetries:            5,
		},
		Retrieval: RetrievalConfig{
			Threshold:    0.35,
			DefaultLimit: 10,
			HistoryTurns: 10,
		},
		Executor: ExecutorConfig{
			WorkerCount:        4,
			TaskTimeoutSeconds: 60,
			MaxAttempts:        3,
			BackoffBaseSeconds: 60,
			BackoffCapSeconds:  int((15 * time.Minute).Seconds()),
			SweepSeconds:       30,
		},
	}
}

// HomeDir resolves the donna home directory, honoring the DONNA_HOME override.
func HomeDir() string {
	if override := os.Getenv("DONNA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".donna")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the donna home directory, applying defaults
// and normalization. A missing file is not an error; NeedsGenesis is set so
// the caller can write a starter config.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, for tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create donna home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "donna.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = def.LLM.GeminiModel
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = def.Embedding.Provider
	}
	if cfg.Embedding.GenAIModel == "" {
		cfg.Embedding.GenAIModel = def.Embedding.GenAIModel
	}
	if cfg.Embedding.OllamaEndpoint == "" {
		cfg.Embedding.OllamaEndpoint = def.Embedding.OllamaEndpoint
	}
	if cfg.Embedding.OllamaModel == "" {
		cfg.Embedding.OllamaModel = def.Embedding.OllamaModel
	}
	if cfg.Embedding.MaxInputChars <= 0 {
		cfg.Embedding.MaxInputChars = def.Embedding.MaxInputChars
	}
	if cfg.Embedding.MinCallIntervalMillis <= 0 {
		cfg.Embedding.MinCallIntervalMillis = def.Embedding.MinCallIntervalMillis
	}
	if cfg.Embedding.RetryBaseSeconds <= 0 {
		cfg.Embedding.RetryBaseSeconds = def.Embedding.RetryBaseSeconds
	}
	if cfg.Embedding.RetryCapSeconds <= 0 {
		cfg.Embedding.RetryCapSeconds = def.Embedding.RetryCapSeconds
	}
	if cfg.Embedding.MaxRetries <= 0 {
		cfg.Embedding.MaxRetries = def.Embedding.MaxRetries
	}
	if cfg.Retrieval.Threshold <= 0 {
		cfg.Retrieval.Threshold = def.Retrieval.Threshold
	}
	if cfg.Retrieval.DefaultLimit <= 0 {
		cfg.Retrieval.DefaultLimit = def.Retrieval.DefaultLimit
	}
	if cfg.Retrieval.HistoryTurns <= 0 {
		cfg.Retrieval.HistoryTurns = def.Retrieval.HistoryTurns
	}
	if cfg.Executor.WorkerCount <= 0 {
		cfg.Executor.WorkerCount = def.Executor.WorkerCount
	}
	if cfg.Executor.TaskTimeoutSeconds <= 0 {
		cfg.Executor.TaskTimeoutSeconds = def.Executor.TaskTimeoutSeconds
	}
	if cfg.Executor.MaxAttempts <= 0 {
		cfg.Executor.MaxAttempts = def.Executor.MaxAttempts
	}
	if cfg.Executor.BackoffBaseSeconds <= 0 {
		cfg.Executor.BackoffBaseSeconds = def.Executor.BackoffBaseSeconds
	}
	if cfg.Executor.BackoffCapSeconds <= 0 {
		cfg.Executor.BackoffCapSeconds = def.Executor.BackoffCapSeconds
	}
	if cfg.Executor.SweepSeconds <= 0 {
		cfg.Executor.SweepSeconds = def.Executor.SweepSeconds
	}
}

// Save writes the config back to config.yaml.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
