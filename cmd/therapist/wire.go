package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/agent"
	"github.com/kailas-cloud/therapist/internal/audit"
	"github.com/kailas-cloud/therapist/internal/config"
	dbRedis "github.com/kailas-cloud/therapist/internal/db/redis"
	"github.com/kailas-cloud/therapist/internal/domain"
	"github.com/kailas-cloud/therapist/internal/llm"
	"github.com/kailas-cloud/therapist/internal/metrics"
	"github.com/kailas-cloud/therapist/internal/repository/embcache"
	openaiEmb "github.com/kailas-cloud/therapist/internal/transport/openai"
	embeddinguc "github.com/kailas-cloud/therapist/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/therapist/internal/usecase/health"
	"github.com/kailas-cloud/therapist/internal/vectorindex"
	"github.com/kailas-cloud/therapist/internal/websearch"
)

const cacheReadinessTimeout = 5 * time.Second

// app is the composition root shared by serve, context, chat and mcp.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	index     *vectorindex.Reader
	agent     *agent.Agent
	therapist *llm.Therapist
	health    *healthuc.Service
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

// cacheStore is what the embedding cache and the health check need from a backend.
type cacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterRetrievalMetrics()

	sink, err := audit.OpenFile(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	a.closers = append(a.closers, func() { _ = sink.Close() })

	cache, backend, err := buildCache(ctx, cfg.Cache, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := cache.(interface{ Close() }); ok {
		a.closers = append(a.closers, c.Close)
	}

	queryEmbedder := buildEmbedder(cfg, cfg.Embedding.QueryInstruction, cache, backend, logger)

	index, err := vectorindex.Open(cfg.Index.Dir, queryEmbedder, vectorindex.Options{
		TrustedSource:   cfg.Index.TrustedSource,
		ExpectedModelID: cfg.Embedding.Model,
		K:               cfg.Retrieval.VectorK,
		Logger:          logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	a.index = index
	logger.Info("Vector index loaded",
		zap.String("dir", cfg.Index.Dir),
		zap.Int("vectors", index.Len()),
		zap.String("model", index.Meta().EmbeddingModelID),
	)

	web, err := buildWebSearch(cfg.WebSearch, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.agent, err = agent.New(web, index, sink, agent.Options{
		WebTimeout:        cfg.Retrieval.WebTimeout(),
		VectorTimeout:     cfg.Retrieval.VectorTimeout(),
		Workers:           cfg.Retrieval.Workers,
		MaxAuditBodyBytes: cfg.Audit.MaxBodyBytes,
		Logger:            logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create context agent: %w", err)
	}

	a.therapist, err = llm.New(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temp(),
		MaxRetries:  cfg.LLM.MaxRetries,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	a.health = healthuc.New(index, queryEmbedder, cache)
	return a, nil
}

// buildCache returns a Redis backed store when addrs are configured and an in-process LRU otherwise.
func buildCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cacheStore, string, error) {
	ttl := time.Duration(cfg.TTLSec) * time.Second
	if len(cfg.Addrs) == 0 {
		return embcache.NewLRUStore(cfg.LRUSize, ttl), "lru", nil
	}

	store, err := dbRedis.NewStore(dbRedis.Config{Addrs: cfg.Addrs, Password: cfg.Password})
	if err != nil {
		return nil, "", fmt.Errorf("create redis cache: %w", err)
	}
	if err := store.WaitForReady(ctx, cacheReadinessTimeout); err != nil {
		store.Close()
		return nil, "", fmt.Errorf("redis cache not ready: %w", err)
	}
	logger.Info("Connected to embedding cache", zap.Strings("addrs", cfg.Addrs))
	return store, "redis", nil
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instrumented -> Instruction.
// cache may be nil.
func buildEmbedder(
	cfg config.Config, instruction string, cache cacheStore, backend string, logger *zap.Logger,
) *domain.InstructionEmbedder {
	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Provider:   cfg.Embedding.Provider,
		Logger:     logger,
	})

	var embedder domain.Embedder = base
	if cache != nil {
		embedder = embcache.New(base, cache, embcache.Options{
			Backend:    backend,
			TTL:        time.Duration(cfg.Cache.TTLSec) * time.Second,
			CacheTotal: metrics.EmbeddingCacheTotal,
			Logger:     logger,
		})
	}

	embedder = embeddinguc.NewInstrumentedEmbedder(embedder, cfg.Embedding.Provider, cfg.Embedding.Model, logger)

	// Instruction prefix is outermost, so the cache key includes it.
	return domain.NewInstructionEmbedder(embedder, instruction)
}

func buildWebSearch(cfg config.WebSearchConfig, logger *zap.Logger) (agent.WebSearcher, error) {
	if cfg.APIKey == "" {
		logger.Warn("Web search API key not set, web context will be unavailable")
		return websearch.Disabled{}, nil
	}
	client, err := websearch.New(websearch.Config{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		MaxResults:        cfg.MaxResults,
		IncludeAnswer:     cfg.IncludeAnswer,
		IncludeImages:     cfg.IncludeImages,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create web search client: %w", err)
	}
	return client, nil
}
