// Package main is the entry point for the relay API server.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/streamforge/token-relay/internal/buffer"
	"github.com/streamforge/token-relay/internal/cache"
	"github.com/streamforge/token-relay/internal/config"
	"github.com/streamforge/token-relay/internal/handler"
	"github.com/streamforge/token-relay/internal/middleware"
	"github.com/streamforge/token-relay/internal/model"
	natsclient "github.com/streamforge/token-relay/internal/nats"
	"github.com/streamforge/token-relay/internal/producer"
	"github.com/streamforge/token-relay/internal/registry"
	"github.com/streamforge/token-relay/internal/relay"
	"github.com/streamforge/token-relay/internal/store"
	"github.com/streamforge/token-relay/internal/transform"
	"github.com/streamforge/token-relay/pkg/logger"
	"github.com/streamforge/token-relay/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting relay API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "token-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS. The relay can run standalone: without NATS the
	// metrics snapshot stays process-local.
	var relayCache cache.Cache
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, using in-memory cache", zap.Error(err))
		natsClient = nil
		relayCache = cache.NewMemory()
	} else {
		defer natsClient.Close()
		kv, err := cache.NewKV(ctx, natsClient, cfg.SnapshotTTL)
		if err != nil {
			log.Warn("JetStream KV unavailable, using in-memory cache", zap.Error(err))
			relayCache = cache.NewMemory()
		} else {
			relayCache = kv
		}
	}

	// Open the durable store
	st, err := store.OpenPebble(cfg.DataDir)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	// Build the transform pipeline
	pipeline, err := buildPipeline(cfg, log)
	if err != nil {
		log.Error("failed to build transform pipeline", zap.Error(err))
		os.Exit(1)
	}

	// Buffer manager and connection registry
	buffers := buffer.NewManager(st, pipeline, cfg.TransformWorkers, log)
	reg := registry.New(st, buffers, cfg.MaxConnections, model.ConnectionOptions{
		BufferSize:         cfg.BufferSize,
		FlushThreshold:     cfg.FlushThreshold,
		FlushInterval:      cfg.FlushInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		CompressionEnabled: cfg.CompressionEnabled,
		EncryptionEnabled:  cfg.EncryptionEnabled,
	}, log)

	// Upstream producer
	apiKey := cfg.AnthropicAPIKey
	if producer.Provider(cfg.DefaultProvider) == producer.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	prod, err := producer.New(producer.Provider(cfg.DefaultProvider), apiKey)
	if err != nil {
		log.Error("failed to create producer", zap.Error(err))
		os.Exit(1)
	}

	// Orchestrator and lifecycle timers
	orch := relay.NewOrchestrator(reg, buffers, prod, cfg.GraceWindow, log)
	timers := relay.NewTimers(reg, orch, buffers, relayCache, relay.TimerConfig{
		ConnectionTimeout:  cfg.ConnectionTimeout,
		CleanupInterval:    cfg.CleanupInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		FlushSweepInterval: cfg.FlushSweepInterval,
		MetricsInterval:    cfg.MetricsInterval,
		SnapshotTTL:        cfg.SnapshotTTL,
	}, log)
	timers.Start(ctx)
	defer timers.Stop()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	connectionHandler := handler.NewConnectionHandler(reg, log)
	streamHandler := handler.NewStreamHandler(orch, log)
	metricsHandler := handler.NewMetricsHandler(timers, relayCache, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/metrics/aggregate", metricsHandler.Aggregate)

		r.Route("/connections", func(r chi.Router) {
			r.Post("/", connectionHandler.Create)
			r.Get("/", connectionHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", connectionHandler.Get)
				r.Delete("/", connectionHandler.Delete)

				r.With(middleware.StreamRateLimit(cfg.StreamRateLimit, cfg.RateLimitWindow)).
					Post("/stream", streamHandler.Stream)
			})
		})
	})

	// Create HTTP server. WriteTimeout stays disabled so SSE streams
	// are not cut off mid-generation.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// buildPipeline assembles the compression and encryption stages from
// config. Returns nil when both stages are disabled.
func buildPipeline(cfg *config.Config, log *logger.Logger) (*transform.Pipeline, error) {
	if !cfg.CompressionEnabled && !cfg.EncryptionEnabled {
		return nil, nil
	}

	var compressor transform.Compressor
	if cfg.CompressionEnabled {
		if cfg.CompressionAlgorithm == "adaptive" {
			compressor = transform.NewAdaptiveCompressor(transform.NewHistory())
		} else {
			algorithm, err := transform.ParseAlgorithm(cfg.CompressionAlgorithm)
			if err != nil {
				return nil, fmt.Errorf("compression algorithm: %w", err)
			}
			compressor = transform.NewCompressor(algorithm)
		}
	}

	var encryptor *transform.Encryptor
	if cfg.EncryptionEnabled {
		var keyring *transform.Keyring
		var err error
		if cfg.EncryptionKeyHex != "" {
			key, herr := hex.DecodeString(cfg.EncryptionKeyHex)
			if herr != nil {
				return nil, fmt.Errorf("encryption key: %w", herr)
			}
			keyring, err = transform.NewKeyring(key, cfg.KeyRotationInterval)
		} else {
			log.Warn("no encryption key configured, generating an ephemeral one; persisted chunks will not survive restart")
			keyring, err = transform.NewRandomKeyring(cfg.KeyRotationInterval)
		}
		if err != nil {
			return nil, fmt.Errorf("keyring: %w", err)
		}
		encryptor = transform.NewEncryptor(keyring)
	}

	return transform.NewPipeline(compressor, encryptor, cfg.CompressionEnabled, cfg.EncryptionEnabled), nil
}
