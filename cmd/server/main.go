package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/finance-gateway/internal/config"
	"github.com/lexiqai/finance-gateway/internal/conversation"
	"github.com/lexiqai/finance-gateway/internal/finnhub"
	"github.com/lexiqai/finance-gateway/internal/gateway"
	"github.com/lexiqai/finance-gateway/internal/llm"
	"github.com/lexiqai/finance-gateway/internal/observability"
	"github.com/lexiqai/finance-gateway/internal/orchestrator"
	"github.com/lexiqai/finance-gateway/internal/resilience"
	"github.com/lexiqai/finance-gateway/internal/tools"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("llm_provider", cfg.LLMProvider).
		Str("session_store", cfg.SessionStore).
		Str("side_channel_policy", cfg.SideChannelPolicy).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Finance Gateway Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTelExporter, cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	persona, err := config.LoadPersona(cfg.PersonaFile)
	if err != nil {
		logger.Fatal().Err(err).Str("persona_file", cfg.PersonaFile).Msg("Failed to load persona")
	}
	defaultLanguage := cfg.DefaultLanguage
	if persona.Language != "" {
		defaultLanguage = persona.Language
	}

	// Conversation store
	var store conversation.Store
	switch cfg.SessionStore {
	case config.StoreRedis:
		store, err = conversation.DialRedisStore(ctx, cfg.RedisURL,
			&conversation.RedisStoreConfig{TTL: cfg.SessionTTL},
			&resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     cfg.ReconnectBackoff,
				Multiplier:  2.0,
				MaxBackoff:  30 * time.Second,
			},
			logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
	default:
		mem := conversation.NewMemoryStore(cfg.SessionTTL)
		mem.StartJanitor(ctx, time.Minute)
		store = mem
	}
	defer store.Close()

	// Market data and tools
	marketData := finnhub.NewClient(finnhub.Options{
		APIKey:  cfg.FinnhubAPIKey,
		BaseURL: cfg.FinnhubBaseURL,
		Timeout: cfg.FinnhubTimeout,
		Breaker: resilience.NewCircuitBreaker("finnhub", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout),
		Logger:  logger,
	})
	registry := tools.NewRegistry(marketData)

	// Language model
	llmConfig := llm.ConfigFromService(cfg)
	llmConfig.Logger = logger
	model, err := llm.NewClient(llmConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create language model client")
	}

	orch := orchestrator.New(model, registry, store, orchestrator.Config{
		SystemPrompt:      persona.SystemPrompt,
		DefaultLanguage:   defaultLanguage,
		MaxToolRounds:     cfg.MaxToolRounds,
		MaxHistoryTurns:   cfg.MaxHistoryTurns,
		LoopTimeout:       cfg.LoopTimeout,
		SideChannelPolicy: cfg.SideChannelPolicy,
	})

	// Create HTTP server
	mux := http.NewServeMux()

	// Chat endpoints: GET /, POST /, GET /ws
	gateway.NewHandler(orch, logger).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	checks := []observability.NamedCheck{
		{Name: "finnhub", Check: marketData.Healthy},
		{Name: "model", Check: model.Healthy},
		{Name: "store", Check: store.Healthy},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))
	logger.Info().Strs("dependencies", observability.DependencyNames(checks)).Msg("Readiness checks registered")

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	if cfg.GRPCHealthPort > 0 {
		grpcHealth := observability.NewGRPCHealthServer(15*time.Second, checks...)
		go func() {
			logger.Info().Int("port", cfg.GRPCHealthPort).Msg("gRPC health server listening")
			if err := grpcHealth.Serve(ctx, cfg.GRPCHealthPort); err != nil {
				logger.Error().Err(err).Msg("gRPC health server failed")
			}
		}()
	}

	// Create HTTP server with timeouts. Writes must outlive one dispatch loop.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      observability.InstrumentHandler(mux, "finance-gateway"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LoopTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush traces")
	}

	logger.Info().Msg("Server exited gracefully")
}
