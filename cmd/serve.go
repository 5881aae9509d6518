// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cmd

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/InletAI/InletDocs/config"
	"github.com/InletAI/InletDocs/handlers"
	"github.com/InletAI/InletDocs/llm"
	"github.com/InletAI/InletDocs/middleware"
	"github.com/InletAI/InletDocs/observability"
	"github.com/InletAI/InletDocs/retrieval"
	"github.com/InletAI/InletDocs/routes"
	"github.com/InletAI/InletDocs/search"
	"github.com/InletAI/InletDocs/services"
	"github.com/InletAI/InletDocs/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Q&A server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("inletdocs")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServer() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	gin.SetMode(cfg.Server.Mode)

	// Closed on shutdown; stops the breaker gauge loop and the phrase
	// file watcher.
	done := make(chan struct{})

	if cfg.Tracing.Enabled {
		cleanup, err := initTracer(cfg.Tracing.CollectorEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	observability.InitMetrics()

	// --- Durable chat storage ---
	db, err := gorm.Open(mysql.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to MySQL: %v", err)
	}
	chatStore := storage.NewChatStore(db)
	if err := chatStore.AutoMigrate(); err != nil {
		log.Fatalf("failed to migrate chat tables: %v", err)
	}

	// --- Ephemeral history ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Warn("Redis unreachable at startup, ephemeral history degraded",
			"addr", cfg.Redis.Addr(), "error", err)
	}
	historyStore := storage.NewHistoryStore(rdb)

	// --- Vector retrieval ---
	weaviateClient, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Weaviate.Host,
		Scheme: cfg.Weaviate.Scheme,
	})
	if err != nil {
		log.Fatalf("failed to create Weaviate client: %v", err)
	}
	if err := retrieval.EnsureSchema(context.Background(), weaviateClient); err != nil {
		log.Fatalf("failed to ensure Weaviate schema: %v", err)
	}
	searcher := retrieval.NewWeaviateSearcher(weaviateClient)

	// --- Embedding with cache and breaker ---
	cache, err := retrieval.NewEmbeddingCache(cfg.Embedding.CachePath)
	if err != nil {
		log.Fatalf("failed to open embedding cache: %v", err)
	}
	defer cache.Close()
	breaker := retrieval.NewCircuitBreaker(retrieval.DefaultCircuitBreakerConfig())
	embedder := retrieval.NewHTTPEmbedder(cfg.Embedding.ServiceURL, breaker, cache)
	go publishBreakerState(breaker, breakerGaugeInterval, done)

	// --- Generation ---
	slog.Info("Configuring the LLM client", "backend", cfg.LLM.Backend)
	var llmClient llm.Client
	switch cfg.LLM.Backend {
	case "ollama":
		llmClient, err = llm.NewOllamaClient()
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
	default:
		slog.Warn("Unknown LLM backend, defaulting to openai",
			"backend", cfg.LLM.Backend)
		llmClient, err = llm.NewOpenAIClient()
	}
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	// --- Enrichment (optional) ---
	var webSearcher search.WebSearcher
	if cfg.Search.Endpoint != "" {
		webSearcher = search.NewHTTPSearcher(cfg.Search.Endpoint, cfg.Search.APIKey)
	} else {
		slog.Info("Web search endpoint not configured, enrichment disabled")
	}

	// --- Sanitizer with optional hot-reloaded phrase file ---
	sanitizer := services.NewSanitizer()
	if cfg.Sanitizer.PhraseFile != "" {
		if err := sanitizer.LoadPhraseFile(cfg.Sanitizer.PhraseFile); err != nil {
			slog.Warn("Failed to load injection phrase file",
				"path", cfg.Sanitizer.PhraseFile, "error", err)
		}
		if err := sanitizer.WatchPhraseFile(cfg.Sanitizer.PhraseFile, done); err != nil {
			slog.Warn("Failed to watch injection phrase file",
				"path", cfg.Sanitizer.PhraseFile, "error", err)
		}
	}

	pipeline := services.NewQuestionPipeline(
		chatStore,
		historyStore,
		embedder,
		searcher,
		llmClient,
		services.NewContextBuilder(llmClient),
		sanitizer,
		webSearcher,
		services.PipelineConfig{
			TopK:             cfg.Pipeline.TopK,
			MaxContextRunes:  cfg.Pipeline.MaxContextRunes,
			HistoryLines:     cfg.Pipeline.HistoryLines,
			SearchMaxResults: cfg.Pipeline.SearchMaxResults,
		},
	)

	hub := handlers.NewHub()
	go hub.Run()
	defer hub.Stop()

	verifier := middleware.NewJWTVerifier(cfg.JWT.Secret)

	router := gin.Default()
	routes.SetupRoutes(router, verifier, hub, pipeline, chatStore, historyStore)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	go func() {
		slog.Info("Starting the Q&A server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")
	close(done)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
}

const breakerGaugeInterval = 5 * time.Second

// publishBreakerState mirrors the embedding breaker state into the
// metrics gauge until done is closed.
func publishBreakerState(breaker *retrieval.CircuitBreaker, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m := observability.DefaultMetrics; m != nil {
				m.SetBreakerState(int(breaker.State()))
			}
		case <-done:
			return
		}
	}
}
