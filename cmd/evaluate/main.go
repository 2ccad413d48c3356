package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/meridianhealth/procedure-advisor/internal/adapters/cache"
	"github.com/meridianhealth/procedure-advisor/internal/adapters/database"
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
	casesPath := flag.String("cases", "testdata/golden_cases.json", "path to the golden cases JSON file")
	concurrency := flag.Int("concurrency", 0, "max concurrent cases (0 = configured default)")
	outPath := flag.String("out", "", "write per-case results as JSON to this file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Server.Env)
	logger := observability.GetLogger()

	cases, err := evaluation.LoadGoldenCases(*casesPath)
	if err != nil {
		log.Fatalf("Failed to load golden cases: %v", err)
	}
	if err := evaluation.ValidateGoldenCases(cases); err != nil {
		log.Fatalf("Invalid golden cases: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL client: %v", err)
	}
	defer pgClient.Close()

	var cacheProvider providers.CacheProvider
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, running without shared cache")
	} else {
		defer redisClient.Close()
		cacheProvider = cache.NewRedisAdapter(redisClient)
	}

	aiClient, err := openai.NewClient(&cfg.OpenAI)
	if err != nil {
		log.Fatalf("Failed to initialize OpenAI client: %v", err)
	}
	defer aiClient.Close()

	baseAdapter := database.NewScenarioAdapter(pgClient)
	var scenarioRepo repositories.ScenarioRepository = baseAdapter
	if cacheProvider != nil {
		scenarioRepo = database.NewCachedScenarioAdapter(baseAdapter, cacheProvider)
	}

	embedService, err := embedding.NewService(aiClient, cfg.Pipeline.EmbeddingCacheSize, cacheProvider, cfg.Pipeline.EmbeddingCacheTTL)
	if err != nil {
		log.Fatalf("Failed to initialize embedding service: %v", err)
	}

	reranker := rerank.NewReranker(rerank.Config{
		KeywordBoostWeight: cfg.Pipeline.KeywordBoostWeight,
		SecondaryWeight:    cfg.Pipeline.SecondaryWeight,
		SkipConfidence:     cfg.Pipeline.SkipConfidence,
		SkipMargin:         cfg.Pipeline.SkipMargin,
	}, nil)

	ruleLoader, err := rules.NewLoader(cfg.Rules.PackPath)
	if err != nil {
		logger.Warn().Err(err).Msg("Rule packs unavailable, rule engine starts empty")
		ruleLoader = rules.NewEmptyLoader()
	}
	ruleMode, err := rules.ParseMode(cfg.Rules.Mode)
	if err != nil {
		log.Fatalf("Invalid rules mode: %v", err)
	}

	modelCtx, err := modelcontext.NewManager(cfg.ModelContext.Path, cfg.ModelContext.PollInterval)
	if err != nil {
		logger.Warn().Err(err).Msg("Model context unavailable, using configured defaults")
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
	}

	evaluator := evaluation.NewWorker(cfg.Evaluation.Timeout)
	defer evaluator.Close()

	orchestrator := pipeline.NewOrchestrator(pipeline.Options{
		Config:         cfg.Pipeline,
		Embedder:       embedService,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		Repository:     scenarioRepo,
		Reranker:       reranker,
		RuleLoader:     ruleLoader,
		RuleEngine:     rules.NewEngine(ruleMode),
		PromptBuilder:  prompt.NewBuilder(cfg.Pipeline.PromptCharBudget),
		ModelContext:   modelCtx,
		Generator:      generation.NewService(aiClient, cfg.OpenAI.CompletionTimeout),
		Evaluator:      evaluator,
	})

	workers := *concurrency
	if workers <= 0 {
		workers = cfg.Evaluation.BatchWorkers
	}
	runner := evaluation.NewRunner(orchestrator, workers)

	results, summary, err := runner.Run(ctx, cases)
	if err != nil {
		log.Fatalf("Batch run aborted: %v", err)
	}

	printSummary(summary)

	if *outPath != "" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode results: %v", err)
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			log.Fatalf("Failed to write results: %v", err)
		}
		fmt.Printf("Per-case results written to %s\n", *outPath)
	}

	if summary.Failed > 0 {
		os.Exit(1)
	}
}

func printSummary(s evaluation.Summary) {
	fmt.Println("=== Batch Evaluation Summary ===")
	fmt.Printf("Cases:            %d (ok %d, failed %d, low-similarity %d)\n",
		s.TotalCases, s.Succeeded, s.Failed, s.LowSimilarity)
	fmt.Printf("Hit rate:         %.2f\n", s.HitRate)
	fmt.Printf("Faithfulness:     %.3f\n", s.MeanScores.Faithfulness)
	fmt.Printf("Answer relevancy: %.3f\n", s.MeanScores.AnswerRelevancy)
	fmt.Printf("Ctx precision:    %.3f\n", s.MeanScores.ContextPrecision)
	fmt.Printf("Ctx recall:       %.3f\n", s.MeanScores.ContextRecall)
	for difficulty, count := range s.ByDifficulty {
		fmt.Printf("  %s: %d\n", difficulty, count)
	}
	fmt.Printf("Wall clock:       %s\n", s.TotalWallClock)
}
