// Package app owns construction and teardown of the full engine: config,
// tracing, database, Genkit, provider adapters, stores, and the pipeline.
// Commands call Setup once and work with the resulting App.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/sagehq/sage/db"
	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/database"
	"github.com/sagehq/sage/internal/engine"
	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/llm"
	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/memory"
	"github.com/sagehq/sage/internal/observability"
	"github.com/sagehq/sage/internal/orchestrator"
	"github.com/sagehq/sage/internal/planner"
	"github.com/sagehq/sage/internal/source"
	"github.com/sagehq/sage/internal/synthesis"
)

// otelFlushTimeout bounds the final span flush on shutdown.
const otelFlushTimeout = 5 * time.Second

// App holds the wired application.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit    *genkit.Genkit
	Pool      *pgxpool.Pool
	Knowledge *knowledge.Store
	Memory    *memory.Store
	Engine    *engine.Engine

	otelShutdown func(context.Context) error
}

// Setup creates and initializes the application. On error everything
// already initialized is released; otherwise call Close.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing registers with Genkit's TracerProvider, so it has to come
	// before genkit.Init.
	if cfg.Tracing.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Environment: cfg.Tracing.Environment,
			ServiceName: cfg.Tracing.ServiceName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.otelShutdown = shutdown
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.Pool = pool

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	a.Genkit = g

	embedder := llm.NewEmbedder(
		googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel),
		cfg.EmbedderDimension,
	)

	a.Knowledge, err = knowledge.NewStore(pool, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}
	a.Memory, err = memory.NewStore(pool, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}

	classifierLLM := llm.New(g, cfg.ClassifierModel, llm.DefaultGenerateTimeout)
	synthesisLLM := llm.New(g, cfg.SynthesisModel, cfg.Engine.SynthesisTimeout)

	adapters, market := buildAdapters(cfg, logger)

	classifierLimiter := rate.NewLimiter(rate.Limit(cfg.Engine.ClassifierRPS), 1)
	p := planner.New(
		planner.NewClassifier(classifierLLM, classifierLimiter, logger),
		planner.NewResolver(market, classifierLLM, logger),
		logger,
	)
	orch := orchestrator.New(adapters, cfg.Engine.GatherDeadline, logger)
	synth := synthesis.New(synthesisLLM, logger)

	opts := engine.DefaultOptions()
	opts.RecencyWeight = cfg.Engine.RecencyWeight
	opts.RecencyHorizon = float64(cfg.Engine.RecencyHorizonDays)

	a.Engine, err = engine.New(p, orch, a.Knowledge, a.Memory, synth, synthesisLLM, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	return a, nil
}

// buildAdapters constructs the provider adapters from config. The market
// adapter is returned separately because the planner also uses its symbol
// catalog for entity resolution.
func buildAdapters(cfg *config.Config, logger log.Logger) ([]source.Adapter, *source.Market) {
	httpClient := &http.Client{Timeout: cfg.Engine.SourceTimeout}
	cache := source.NewCache(source.NewMemoryStore(), logger)

	exa := source.NewExa(cfg.Providers.Exa.APIKey, cfg.Providers.Exa.BaseURL, httpClient, nil, logger)
	perplexity := source.NewPerplexity(cfg.Providers.Perplexity.APIKey, cfg.Providers.Perplexity.BaseURL, httpClient, nil, logger)
	wikipedia := source.NewWikipedia(cfg.Providers.Wikipedia.BaseURL, httpClient, nil, logger)
	market := source.NewMarket(cfg.Providers.Market.APIKey, cfg.Providers.Market.BaseURL, httpClient, nil, cache, logger)

	return []source.Adapter{exa, perplexity, wikipedia, market}, market
}

// Close releases all resources in reverse construction order.
func (a *App) Close() error {
	if a.Pool != nil {
		a.Pool.Close()
		a.Pool = nil
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), otelFlushTimeout)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			return fmt.Errorf("flushing traces: %w", err)
		}
		a.otelShutdown = nil
	}
	return nil
}
