package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Ai       AIConfig
	Engine   EngineConfig
	Cache    CacheConfig
}

type AppConfig struct {
	Environment string
	LogFilePath string
	RedisURL    string
}

type DatabaseConfig struct {
	Connection string
	// Table holding the embedded knowledge chunks.
	KnowledgeTable string
}

type AIConfig struct {
	EmbeddingProvider string // "ollama"
	OllamaBaseURL     string
	EmbeddingModel    string
	LLMProvider       string // "ollama"
	LLMModel          string // e.g. "llama3", "qwen2.5"
}

type EngineConfig struct {
	MaxIterations           int
	MaxRetrievals           int
	MaxRetries              int
	KnowledgeBudget         int
	MaxConcurrent           int
	MatchThreshold          float64
	SummarizeTimeoutSeconds int
	Scenario                string
	// TableSnapshotFile points at the JSON manifest pairing rendered
	// table images with their source text; empty disables fuzzy matching.
	TableSnapshotFile string
}

type CacheConfig struct {
	// Backend is "redis" or "local".
	Backend      string
	LocalEntries int
	QueryTTL     time.Duration
	PlanningTTL  time.Duration
	RetrievalTTL time.Duration
	ClueTTL      time.Duration
	HistoryTTL   time.Duration
	HistoryKeep  int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "app.log"),
			RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Database: DatabaseConfig{
			Connection:     getEnv("DB_CONNECTION_STRING", ""),
			KnowledgeTable: getEnv("KNOWLEDGE_TABLE", "knowledge_chunks"),
		},
		Ai: AIConfig{
			EmbeddingProvider: getEnv("EMBEDDING_PROVIDER", "ollama"),
			OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			EmbeddingModel:    getEnv("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
			LLMProvider:       getEnv("LLM_PROVIDER", "ollama"),
			LLMModel:          getEnv("LLM_MODEL", "llama3"),
		},
		Engine: EngineConfig{
			MaxIterations:           getEnvAsInt("ENGINE_MAX_ITERATIONS", 20),
			MaxRetrievals:           getEnvAsInt("ENGINE_MAX_RETRIEVALS", 3),
			MaxRetries:              getEnvAsInt("ENGINE_MAX_RETRIES", 2),
			KnowledgeBudget:         getEnvAsInt("ENGINE_KNOWLEDGE_BUDGET", 12000),
			MaxConcurrent:           getEnvAsInt("ENGINE_MAX_CONCURRENT", 4),
			MatchThreshold:          getEnvAsFloat("ENGINE_MATCH_THRESHOLD", 0.75),
			SummarizeTimeoutSeconds: getEnvAsInt("ENGINE_SUMMARIZE_TIMEOUT_SECONDS", 20),
			Scenario:                getEnv("ENGINE_SCENARIO", "medical"),
			TableSnapshotFile:       getEnv("ENGINE_TABLE_SNAPSHOTS", ""),
		},
		Cache: CacheConfig{
			Backend:      getEnv("CACHE_BACKEND", "redis"),
			LocalEntries: getEnvAsInt("CACHE_LOCAL_ENTRIES", 4096),
			QueryTTL:     getEnvAsDuration("CACHE_QUERY_TTL", 6*time.Hour),
			PlanningTTL:  getEnvAsDuration("CACHE_PLANNING_TTL", 6*time.Hour),
			RetrievalTTL: getEnvAsDuration("CACHE_RETRIEVAL_TTL", time.Hour),
			ClueTTL:      getEnvAsDuration("CACHE_CLUE_TTL", 12*time.Hour),
			HistoryTTL:   getEnvAsDuration("HISTORY_TTL", 24*time.Hour),
			HistoryKeep:  getEnvAsInt("HISTORY_KEEP", 50),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
