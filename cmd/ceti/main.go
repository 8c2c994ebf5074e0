// Command ceti runs the CETI adjudication server: an HTTP and MCP surface
// over the adversarial verification pipeline and the certification ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ceti-ai/ceti/api"
	"github.com/ceti-ai/ceti/internal/auth"
	"github.com/ceti-ai/ceti/internal/config"
	"github.com/ceti-ai/ceti/internal/critic"
	"github.com/ceti-ai/ceti/internal/guard"
	"github.com/ceti-ai/ceti/internal/ledger"
	"github.com/ceti-ai/ceti/internal/mcp"
	"github.com/ceti-ai/ceti/internal/oracle"
	"github.com/ceti-ai/ceti/internal/ratelimit"
	"github.com/ceti-ai/ceti/internal/server"
	"github.com/ceti-ai/ceti/internal/service/embedding"
	"github.com/ceti-ai/ceti/internal/telemetry"
	"github.com/ceti-ai/ceti/internal/verifier"
	"github.com/ceti-ai/ceti/internal/webctx"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CETI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Hard adjudication invariants. Abort before accepting any traffic.
	if err := cfg.EnforceInvariants(); err != nil {
		return fmt.Errorf("invariant check: %w", err)
	}

	slog.Info("ceti starting", "version", version, "port", cfg.Port,
		"max_rounds", cfg.MaxRounds, "judges", len(cfg.JudgeModels))

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Embedding provider for the semantic ledger.
	embedder := newEmbeddingProvider(cfg, logger)

	// Ledger index backend: Qdrant if configured, then Postgres, else the
	// local SQLite file.
	index, err := newLedgerIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	led := ledger.New(index, embedder, cfg.SimilarityThreshold, cfg.LedgerTTL, nil, logger)

	// Web context fetcher (best-effort enrichment).
	var fetcher webctx.Fetcher = webctx.Noop{}
	if cfg.WebSearchAPIKey != "" {
		fetcher = webctx.NewSerperFetcher(cfg.WebSearchAPIKey, logger)
		logger.Info("web context: serper enabled")
	} else {
		logger.Info("web context: disabled (no WEB_SEARCH_API_KEY)")
	}

	oracleClient := oracle.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.OracleTimeout)
	selector := critic.NewSelector(critic.DefaultPersonas, config.DriftVariantsCount, nil)

	ver := verifier.New(verifier.Params{
		GeneratorModel: cfg.GeneratorModel,
		CriticModel:    cfg.CriticModel,
		JudgeModels:    cfg.JudgeModels,
		MaxRounds:      cfg.MaxRounds,
		LedgerTTL:      cfg.LedgerTTL,
	}, guard.New(), led, fetcher, oracleClient, selector, nil, logger)

	// API keyring. An empty ring means every request is rejected; refuse to
	// start in that state rather than serve a dead endpoint.
	keyring := auth.NewKeyring(cfg.APIKeys, cfg.APIKeyHashes)
	if keyring.Empty() {
		return fmt.Errorf("auth: no API keys configured (set CETI_API_KEYS or CETI_API_KEY_HASHES)")
	}

	// Rate limiter for /verify, per key identity.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMin)/60.0, cfg.RateLimitPerMin)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)", "per_min", cfg.RateLimitPerMin)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server, mounted at /mcp by the HTTP server.
	mcpSrv := mcp.New(ver, led, version, logger)

	corsOrigin := ""
	if len(cfg.CORSAllowedOrigins) > 0 {
		corsOrigin = cfg.CORSAllowedOrigins[0]
	}

	srv := server.New(server.Config{
		Verifier:            ver,
		Keyring:             keyring,
		Logger:              logger,
		Ledger:              led,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSOrigin:          corsOrigin,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Expired certifications are swept in the background.
	go sweepLoop(ctx, led, logger, cfg.SweepInterval)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: drain in-flight adjudications, then run one final
	// sweep so restarts don't accumulate expired entries.
	slog.Info("ceti shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if n, err := led.Sweep(sweepCtx); err != nil {
		slog.Warn("final ledger sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("final ledger sweep", "removed", n)
	}
	sweepCancel()

	slog.Info("ceti stopped")
	return nil
}

// newLedgerIndex picks the ledger backend from configuration.
func newLedgerIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (ledger.Index, error) {
	switch {
	case cfg.QdrantURL != "":
		idx, err := ledger.NewQdrantIndex(ctx, ledger.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant ledger: %w", err)
		}
		logger.Info("ledger backend: qdrant", "collection", cfg.QdrantCollection)
		return idx, nil

	case cfg.DatabaseURL != "":
		idx, err := ledger.NewPostgresIndex(ctx, cfg.DatabaseURL, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("postgres ledger: %w", err)
		}
		logger.Info("ledger backend: postgres")
		return idx, nil

	default:
		idx, err := ledger.NewSQLiteIndex(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger: %w", err)
		}
		logger.Info("ledger backend: sqlite", "path", cfg.LedgerPath)
		return idx, nil
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: query text stays on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when CETI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (ledger cache disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (ledger cache disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// sweepLoop periodically deletes expired certifications.
func sweepLoop(ctx context.Context, led *ledger.Ledger, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := led.Sweep(ctx)
			if err != nil {
				logger.Warn("ledger sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("ledger sweep", "removed", n)
			}
		}
	}
}
