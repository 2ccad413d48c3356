package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	OpenAI       OpenAIConfig
	Pipeline     PipelineConfig
	Rules        RulesConfig
	ModelContext ModelContextConfig
	Evaluation   EvaluationConfig
	OTEL         OTELConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
	Env  string
}

// DatabaseConfig holds database and connection pool configuration
type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	PoolMaxOpen    int
	PoolMaxIdle    int
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// OpenAIConfig holds configuration for the embedding and completion clients
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	EmbeddingModel    string
	CompletionModel   string
	EmbeddingTimeout  time.Duration
	CompletionTimeout time.Duration
	RateLimitRPM      int
	RateLimitBurst    int
}

// PipelineConfig holds the recommendation pipeline tunables. The similarity
// threshold and the rerank skip parameters are empirically tuned values and
// are deliberately configuration, not constants.
type PipelineConfig struct {
	TopScenarios        int
	TopRecommendations  int
	IncludeRationale    bool
	SimilarityThreshold float64
	SkipConfidence      float64
	SkipMargin          float64
	KeywordBoostWeight  float64
	SecondaryWeight     float64
	SecondaryEnabled    bool
	PromptCharBudget    int
	MaxOutputTokens     int
	Temperature         float64
	EmbeddingCacheSize  int
	EmbeddingCacheTTL   time.Duration
}

// RulesConfig holds rule engine configuration
type RulesConfig struct {
	PackPath string
	Mode     string // disabled, audit, enforce
}

// ModelContextConfig holds the model-context file configuration
type ModelContextConfig struct {
	Path         string
	PollInterval time.Duration
}

// EvaluationConfig holds answer evaluation configuration
type EvaluationConfig struct {
	Enabled      bool
	Timeout      time.Duration
	BatchWorkers int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Env:  getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvAsInt("DB_PORT", 5432),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", ""),
			Database:       getEnv("DB_NAME", "procedure_advisor"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			PoolMaxOpen:    getEnvAsInt("DB_POOL_MAX_OPEN", 25),
			PoolMaxIdle:    getEnvAsInt("DB_POOL_MAX_IDLE", 5),
			AcquireTimeout: getEnvAsDuration("DB_ACQUIRE_TIMEOUT", 2*time.Second),
			QueryTimeout:   getEnvAsDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		OpenAI: OpenAIConfig{
			APIKey:            getEnv("OPENAI_API_KEY", ""),
			BaseURL:           getEnv("OPENAI_BASE_URL", ""),
			EmbeddingModel:    getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			CompletionModel:   getEnv("OPENAI_COMPLETION_MODEL", "gpt-4o-mini"),
			EmbeddingTimeout:  getEnvAsDuration("OPENAI_EMBEDDING_TIMEOUT", 10*time.Second),
			CompletionTimeout: getEnvAsDuration("OPENAI_COMPLETION_TIMEOUT", 30*time.Second),
			RateLimitRPM:      getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst:    getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
		},
		Pipeline: PipelineConfig{
			TopScenarios:        getEnvAsInt("PIPELINE_TOP_SCENARIOS", 5),
			TopRecommendations:  getEnvAsInt("PIPELINE_TOP_RECOMMENDATIONS", 10),
			IncludeRationale:    getEnvAsBool("PIPELINE_INCLUDE_RATIONALE", true),
			SimilarityThreshold: getEnvAsFloat("PIPELINE_SIMILARITY_THRESHOLD", 0.6),
			SkipConfidence:      getEnvAsFloat("PIPELINE_RERANK_SKIP_CONFIDENCE", 0.85),
			SkipMargin:          getEnvAsFloat("PIPELINE_RERANK_SKIP_MARGIN", 0.15),
			KeywordBoostWeight:  getEnvAsFloat("PIPELINE_KEYWORD_BOOST_WEIGHT", 0.1),
			SecondaryWeight:     getEnvAsFloat("PIPELINE_SECONDARY_WEIGHT", 0.3),
			SecondaryEnabled:    getEnvAsBool("PIPELINE_SECONDARY_ENABLED", false),
			PromptCharBudget:    getEnvAsInt("PIPELINE_PROMPT_CHAR_BUDGET", 8000),
			MaxOutputTokens:     getEnvAsInt("PIPELINE_MAX_OUTPUT_TOKENS", 1200),
			Temperature:         getEnvAsFloat("PIPELINE_TEMPERATURE", 0.2),
			EmbeddingCacheSize:  getEnvAsInt("PIPELINE_EMBEDDING_CACHE_SIZE", 1024),
			EmbeddingCacheTTL:   getEnvAsDuration("PIPELINE_EMBEDDING_CACHE_TTL", 24*time.Hour),
		},
		Rules: RulesConfig{
			PackPath: getEnv("RULES_PACK_PATH", "config/rule_packs.yaml"),
			Mode:     getEnv("RULES_MODE", "enforce"),
		},
		ModelContext: ModelContextConfig{
			Path:         getEnv("MODEL_CONTEXT_PATH", "config/model_context.yaml"),
			PollInterval: getEnvAsDuration("MODEL_CONTEXT_POLL_INTERVAL", 30*time.Second),
		},
		Evaluation: EvaluationConfig{
			Enabled:      getEnvAsBool("EVALUATION_ENABLED", true),
			Timeout:      getEnvAsDuration("EVALUATION_TIMEOUT", 20*time.Second),
			BatchWorkers: getEnvAsInt("EVALUATION_BATCH_WORKERS", 4),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "procedure-advisor"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
