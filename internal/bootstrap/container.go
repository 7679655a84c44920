package bootstrap

import (
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"health-assistant-be/internal/config"
	"health-assistant-be/internal/pkg/logger"
	"health-assistant-be/pkg/cache"
	"health-assistant-be/pkg/embedding"
	"health-assistant-be/pkg/llm/factory"
	"health-assistant-be/pkg/memory"
	"health-assistant-be/pkg/rag/answer"
	"health-assistant-be/pkg/rag/classifier"
	"health-assistant-be/pkg/rag/clue"
	"health-assistant-be/pkg/rag/datasource"
	"health-assistant-be/pkg/rag/engine"
	"health-assistant-be/pkg/rag/media"
	"health-assistant-be/pkg/rag/planner"
	"health-assistant-be/pkg/rag/retriever"
	"health-assistant-be/pkg/rag/state"
	"health-assistant-be/pkg/rag/validator"
	"health-assistant-be/pkg/vector"
)

type Container struct {
	Engine   *engine.Engine
	Registry *datasource.Registry
	Logger   *logger.ZapLogger

	redisClient *redis.Client
}

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	// 2. Redis (history store + optional cache backend)
	var redisClient *redis.Client
	opts, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Printf("[WARN] Invalid REDIS_URL, falling back to local cache: %v", err)
	} else {
		redisClient = redis.NewClient(opts)
	}

	var backend cache.Backend
	if cfg.Cache.Backend == "redis" && redisClient != nil {
		backend = cache.NewRedisBackend(redisClient, time.Hour)
		log.Printf("[INFO] Using Cache Backend: REDIS")
	} else {
		backend = cache.NewLocalBackend(cfg.Cache.LocalEntries, time.Hour)
		log.Printf("[INFO] Using Cache Backend: LOCAL (%d entries)", cfg.Cache.LocalEntries)
	}
	cacheManager := cache.NewManager(backend, cache.TTLConfig{
		Query:     cfg.Cache.QueryTTL,
		Planning:  cfg.Cache.PlanningTTL,
		Retrieval: cfg.Cache.RetrievalTTL,
		Clue:      cfg.Cache.ClueTTL,
	})

	// 3. AI Providers
	embeddingProvider := embedding.NewOllamaProvider(
		cfg.Ai.OllamaBaseURL,
		cfg.Ai.EmbeddingModel,
	)
	log.Printf("[INFO] Using Embedding Provider: OLLAMA (%s)", cfg.Ai.EmbeddingModel)

	llmProvider, err := factory.NewLLMProvider(
		cfg.Ai.LLMProvider,
		cfg.Ai.LLMModel,
		cfg.Ai.OllamaBaseURL,
	)
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize LLM Provider: %v", err)
	}
	log.Printf("[INFO] Using LLM Provider: %s (%s)", cfg.Ai.LLMProvider, cfg.Ai.LLMModel)

	// 4. Vector Search
	searcher := vector.NewPgStore(db, embeddingProvider, cfg.Database.KnowledgeTable)

	// 5. Datasources
	registry := datasource.NewRegistry()
	registerDefaultSources(registry)

	// 6. Pipeline Components
	cls := classifier.NewClassifier(llmProvider, cacheManager, sysLogger.Std("classifier"))
	pln := planner.NewPlanner(llmProvider, cacheManager, sysLogger.Std("planner"))
	extractor := clue.NewExtractor(llmProvider, cacheManager, sysLogger.Std("clue"))
	var snapshots []media.Snapshot
	if cfg.Engine.TableSnapshotFile != "" {
		loaded, snapErr := media.LoadSnapshots(cfg.Engine.TableSnapshotFile)
		if snapErr != nil {
			log.Printf("[WARN] Failed to load table snapshots, fuzzy table matching disabled: %v", snapErr)
		} else {
			snapshots = loaded
			log.Printf("[INFO] Loaded %d table snapshots from %s", len(snapshots), cfg.Engine.TableSnapshotFile)
		}
	}
	matcher := media.NewMatcher(snapshots, cfg.Engine.MatchThreshold, sysLogger.Std("media"))
	ret := retriever.NewRetriever(searcher, registry, extractor, matcher, cacheManager, llmProvider, sysLogger.Std("retriever"), retriever.Options{
		MaxConcurrent:    cfg.Engine.MaxConcurrent,
		KnowledgeBudget:  cfg.Engine.KnowledgeBudget,
		SummarizeTimeout: time.Duration(cfg.Engine.SummarizeTimeoutSeconds) * time.Second,
	})
	gen := answer.NewGenerator(llmProvider, sysLogger.Std("answer"))
	val := validator.NewValidator(llmProvider, sysLogger.Std("validator"))

	// 7. Memory
	var history *memory.HistoryStore
	if redisClient != nil {
		history = memory.NewHistoryStore(redisClient, cfg.Cache.HistoryTTL, cfg.Cache.HistoryKeep)
	}
	sessions := memory.NewSessionRepository()
	longTerm := memory.NewInProcessLongTerm()

	eng := engine.New(
		llmProvider, cls, pln, ret, gen, val,
		history, sessions, longTerm,
		engine.Config{
			Limits: state.Limits{
				MaxIterations: cfg.Engine.MaxIterations,
				MaxRetrievals: cfg.Engine.MaxRetrievals,
				MaxRetries:    cfg.Engine.MaxRetries,
			},
			Scenario: datasource.Scenario(cfg.Engine.Scenario),
		},
		sysLogger.Std("engine"),
	)

	return &Container{
		Engine:      eng,
		Registry:    registry,
		Logger:      sysLogger,
		redisClient: redisClient,
	}
}

// registerDefaultSources seeds the built-in knowledge collections.
// Deployments add or disable sources after construction.
func registerDefaultSources(registry *datasource.Registry) {
	defaults := []datasource.DataSource{
		{ID: "guidelines", Name: "Clinical Guidelines", Collection: "guidelines", DefaultK: 5, Enabled: true, Medical: true, General: true},
		{ID: "procedures", Name: "Care Procedures", Collection: "procedures", DefaultK: 5, Enabled: true, Procedure: true},
		{ID: "faq", Name: "Patient FAQ", Collection: "faq", DefaultK: 3, Enabled: true, Medical: true, Procedure: true, General: true},
	}
	for _, ds := range defaults {
		if err := registry.Register(ds); err != nil {
			log.Printf("[WARN] Failed to register datasource %s: %v", ds.ID, err)
		}
	}
}

// Shutdown flushes logs and closes shared connections.
func (c *Container) Shutdown() {
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	if c.redisClient != nil {
		_ = c.redisClient.Close()
	}
}
