// Package config loads and validates application configuration from
// environment variables, and enforces the hard adjudication invariants
// that must never be overridable at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Hard invariants. These are compile-time constants on purpose: no
// environment variable can weaken them, only EnforceInvariants can
// reject configuration that violates them.
const (
	// MinAdversarialRounds is the minimum round budget for the critic loop.
	MinAdversarialRounds = 3
	// MinQuorumSize is the minimum number of judge models.
	MinQuorumSize = 3
	// DriftVariantsCount is the number of logical rotation slots for
	// critic persona drift.
	DriftVariantsCount = 8
	// MinMechanicalWeight is the minimum fraction of the accept decision
	// contributed by non-LLM layers (ledger hits, deterministic guard).
	MinMechanicalWeight = 0.4
)

// DefaultTTL is how long a certification stays valid in the ledger.
const DefaultTTL = 30 * 24 * time.Hour

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	// Auth: plaintext dev keys and/or Argon2id-hashed production keys.
	APIKeys      []string
	APIKeyHashes []string

	// Rate limiting for /verify, per key identity.
	RateLimitEnabled bool
	RateLimitPerMin  int

	// Oracle (LLM provider) settings.
	LLMBaseURL     string
	LLMAPIKey      string
	GeneratorModel string
	CriticModel    string
	JudgeModels    []string
	OracleTimeout  time.Duration

	// Adjudication settings.
	MaxRounds           int
	SimilarityThreshold float64
	MechanicalWeight    float64
	LedgerTTL           time.Duration

	// Web context enrichment.
	WebSearchAPIKey string

	// Ledger index backends. Qdrant wins if set, then Postgres, else the
	// SQLite file at LedgerPath.
	LedgerPath       string
	DatabaseURL      string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
	SweepInterval    time.Duration

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int
	OllamaURL           string
	OllamaModel         string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("CETI_PORT", 8080),
		ReadTimeout:         envDuration("CETI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("CETI_WRITE_TIMEOUT", 5*time.Minute),
		MaxRequestBodyBytes: int64(envInt("CETI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		CORSAllowedOrigins:  envList("CETI_CORS_ALLOWED_ORIGINS", nil),
		APIKeys:             envList("CETI_API_KEYS", nil),
		APIKeyHashes:        envList("CETI_API_KEY_HASHES", nil),
		RateLimitEnabled:    envBool("CETI_RATE_LIMIT_ENABLED", true),
		RateLimitPerMin:     envInt("CETI_RATE_LIMIT_PER_MIN", 10),
		LLMBaseURL:          envStr("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
		LLMAPIKey:           envStr("LLM_API_KEY", ""),
		GeneratorModel:      envStr("GENERATOR_MODEL", "llama-3.3-70b-versatile"),
		CriticModel:         envStr("CRITIC_MODEL", "llama-3.1-8b-instant"),
		JudgeModels:         envList("JUDGE_MODELS", []string{"llama-3.3-70b-versatile", "mixtral-8x22b-2404", "gemma2-27b-it"}),
		OracleTimeout:       envDuration("CETI_ORACLE_TIMEOUT", 30*time.Second),
		MaxRounds:           envInt("MAX_ROUNDS", 5),
		SimilarityThreshold: envFloat("SIMILARITY_THRESHOLD", 0.92),
		MechanicalWeight:    envFloat("CETI_MECHANICAL_WEIGHT", 0.5),
		LedgerTTL:           envDuration("CETI_LEDGER_TTL", DefaultTTL),
		WebSearchAPIKey:     envStr("WEB_SEARCH_API_KEY", ""),
		LedgerPath:          envStr("LEDGER_PATH", "./ceti_ledger.db"),
		DatabaseURL:         envStr("CETI_DATABASE_URL", ""),
		QdrantURL:           envStr("CETI_QDRANT_URL", ""),
		QdrantAPIKey:        envStr("CETI_QDRANT_API_KEY", ""),
		QdrantCollection:    envStr("CETI_QDRANT_COLLECTION", "ceti_ledger"),
		SweepInterval:       envDuration("CETI_LEDGER_SWEEP_INTERVAL", time.Hour),
		EmbeddingProvider:   envStr("CETI_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:      envStr("CETI_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("CETI_EMBEDDING_DIMENSIONS", 768),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "nomic-embed-text"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "ceti"),
		LogLevel:            envStr("CETI_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and well-formed.
// Invariant enforcement is separate (EnforceInvariants) so tests can
// exercise the invariant checks directly.
func (c Config) Validate() error {
	if c.GeneratorModel == "" {
		return fmt.Errorf("config: GENERATOR_MODEL is required")
	}
	if c.CriticModel == "" {
		return fmt.Errorf("config: CRITIC_MODEL is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: CETI_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CETI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.LedgerTTL <= 0 {
		return fmt.Errorf("config: CETI_LEDGER_TTL must be positive")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("config: CETI_RATE_LIMIT_PER_MIN must be positive")
	}
	return nil
}

// EnforceInvariants asserts the hard adjudication invariants. The process
// must abort before accepting traffic if any of these fail.
func (c Config) EnforceInvariants() error {
	if c.MaxRounds < MinAdversarialRounds {
		return fmt.Errorf("config: MAX_ROUNDS must be >= %d, got %d", MinAdversarialRounds, c.MaxRounds)
	}
	if len(c.JudgeModels) < MinQuorumSize {
		return fmt.Errorf("config: JUDGE_MODELS must list at least %d models, got %d", MinQuorumSize, len(c.JudgeModels))
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold >= 1 {
		return fmt.Errorf("config: SIMILARITY_THRESHOLD must be in (0, 1), got %g", c.SimilarityThreshold)
	}
	if c.MechanicalWeight < MinMechanicalWeight {
		return fmt.Errorf("config: CETI_MECHANICAL_WEIGHT must be >= %g, got %g", MinMechanicalWeight, c.MechanicalWeight)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envList splits a comma-separated env var, trimming whitespace and
// dropping empty elements.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
