package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meridianhealth/procedure-advisor/internal/adapters/cache"
	"github.com/meridianhealth/procedure-advisor/internal/adapters/database"
	"github.com/meridianhealth/procedure-advisor/internal/api/handlers"
	"github.com/meridianhealth/procedure-advisor/internal/api/routes"
	"github.com/meridianhealth/procedure-advisor/internal/application/embedding"
	"github.com/meridianhealth/procedure-advisor/internal/application/generation"
	"github.com/meridianhealth/procedure-advisor/internal/application/pipeline"
	"github.com/meridianhealth/procedure-advisor/internal/application/prompt"
	"github.com/meridianhealth/procedure-advisor/internal/application/rerank"
	"github.com/meridianhealth/procedure-advisor/internal/domain/providers"
	"github.com/meridianhealth/procedure-advisor/internal/domain/repositories"
	"github.com/meridianhealth/procedure-advisor/internal/evaluation"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/clients/openai"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/clients/postgres"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/clients/redis"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/observability"
	"github.com/meridianhealth/procedure-advisor/internal/modelcontext"
	"github.com/meridianhealth/procedure-advisor/internal/rules"
	"github.com/meridianhealth/procedure-advisor/pkg/config"
)

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Server.Env)
	logger := observability.GetLogger()

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(
			ctx,
			cfg.OTEL.ServiceName,
			cfg.OTEL.ServiceVersion,
			cfg.OTEL.Endpoint,
		)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
			logger.Info().Msg("OpenTelemetry initialized successfully")
		}
	}

	// Initialize metrics
	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Initialize database client
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL client: %v", err)
	}
	defer pgClient.Close()
	logger.Info().Msg("PostgreSQL client initialized successfully")

	// Initialize Redis client; the pipeline works without the shared cache
	var cacheProvider providers.CacheProvider
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize Redis client, continuing without shared cache")
	} else {
		defer redisClient.Close()
		cacheProvider = cache.NewRedisAdapter(redisClient)
		logger.Info().Msg("Redis client initialized successfully")
	}

	// Initialize OpenAI client (embeddings + completions)
	aiClient, err := openai.NewClient(&cfg.OpenAI)
	if err != nil {
		log.Fatalf("Failed to initialize OpenAI client: %v", err)
	}
	defer aiClient.Close()

	// Initialize adapters
	baseScenarioAdapter := database.NewScenarioAdapter(pgClient)
	var scenarioRepo repositories.ScenarioRepository
	if cacheProvider != nil {
		scenarioRepo = database.NewCachedScenarioAdapter(baseScenarioAdapter, cacheProvider)
		logger.Info().Msg("Scenario adapter wrapped with caching layer")
	} else {
		scenarioRepo = baseScenarioAdapter
		logger.Warn().Msg("Scenario adapter running without cache (Redis unavailable)")
	}

	// Initialize application services
	embedService, err := embedding.NewService(aiClient, cfg.Pipeline.EmbeddingCacheSize, cacheProvider, cfg.Pipeline.EmbeddingCacheTTL)
	if err != nil {
		log.Fatalf("Failed to initialize embedding service: %v", err)
	}

	var secondary rerank.SecondaryScorer
	if cfg.Pipeline.SecondaryEnabled {
		secondary = rerank.NewEmbeddingScorer(embedService, cfg.OpenAI.EmbeddingModel)
	}
	reranker := rerank.NewReranker(rerank.Config{
		KeywordBoostWeight: cfg.Pipeline.KeywordBoostWeight,
		SecondaryWeight:    cfg.Pipeline.SecondaryWeight,
		SkipConfidence:     cfg.Pipeline.SkipConfidence,
		SkipMargin:         cfg.Pipeline.SkipMargin,
	}, secondary)

	// Rule packs: a missing or broken file disables the engine rather than
	// blocking startup
	ruleLoader, err := rules.NewLoader(cfg.Rules.PackPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Rules.PackPath).
			Msg("Failed to load rule packs, rule engine starts empty")
		ruleLoader = rules.NewEmptyLoader()
	} else {
		go func() {
			if err := ruleLoader.Watch(ctx); err != nil {
				logger.Warn().Err(err).Msg("Rule pack watcher stopped")
			}
		}()
	}
	ruleMode, err := rules.ParseMode(cfg.Rules.Mode)
	if err != nil {
		log.Fatalf("Invalid rules mode: %v", err)
	}
	ruleEngine := rules.NewEngine(ruleMode)

	// Model context with mtime-based hot reload; a missing file falls back
	// to the configured defaults without hot reload
	modelCtx, err := modelcontext.NewManager(cfg.ModelContext.Path, cfg.ModelContext.PollInterval)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.ModelContext.Path).
			Msg("Failed to load model context, using configured defaults")
		modelCtx = modelcontext.NewStaticManager(modelcontext.Snapshot{
			Inference: modelcontext.Params{
				Model:           cfg.OpenAI.CompletionModel,
				MaxOutputTokens: cfg.Pipeline.MaxOutputTokens,
				Temperature:     cfg.Pipeline.Temperature,
			},
			Evaluation: modelcontext.Params{
				Model:           cfg.OpenAI.CompletionModel,
				MaxOutputTokens: cfg.Pipeline.MaxOutputTokens,
			},
		})
	} else {
		stopPolling := make(chan struct{})
		modelCtx.Start(stopPolling)
		defer close(stopPolling)
	}

	generator := generation.NewService(aiClient, cfg.OpenAI.CompletionTimeout)

	var evaluator *evaluation.Worker
	if cfg.Evaluation.Enabled {
		evaluator = evaluation.NewWorker(cfg.Evaluation.Timeout)
		defer evaluator.Close()
	}

	orchestrator := pipeline.NewOrchestrator(pipeline.Options{
		Config:         cfg.Pipeline,
		Embedder:       embedService,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		Repository:     scenarioRepo,
		Reranker:       reranker,
		RuleLoader:     ruleLoader,
		RuleEngine:     ruleEngine,
		PromptBuilder:  prompt.NewBuilder(cfg.Pipeline.PromptCharBudget),
		ModelContext:   modelCtx,
		Generator:      generator,
		Evaluator:      evaluator,
		Metrics:        metrics,
	})

	// Initialize handlers
	recommendationHandler := handlers.NewRecommendationHandler(orchestrator)

	// Set up router
	router := routes.NewRouter(recommendationHandler)
	handler := router.SetupRoutes()

	// Create HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().Str("addr", serverAddr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Server shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}

	logger.Info().Msg("Server stopped")
}
