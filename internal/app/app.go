package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"StoryRadar/internal/cluster"
	"StoryRadar/internal/config"
	"StoryRadar/internal/index"
	"StoryRadar/internal/infrastructure/embed"
	"StoryRadar/internal/infrastructure/llm"
	"StoryRadar/internal/infrastructure/parser"
	"StoryRadar/internal/infrastructure/scheduler"
	"StoryRadar/internal/infrastructure/storage"
	"StoryRadar/internal/infrastructure/telegram"
	"StoryRadar/internal/logging"
	"StoryRadar/internal/ports"
	"StoryRadar/internal/scanner"
	"StoryRadar/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	store     ports.ClusterStore
	sqlStore  *storage.SQLStore
	idx       *index.Index
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	var (
		store    ports.ClusterStore
		sqlStore *storage.SQLStore
	)
	if cfg.Database.DSN == "" {
		baseLogger.Warn("no database DSN configured, using in-memory store")
		store = storage.NewMemoryStore()
	} else {
		s, err := storage.Open(cfg.Database.DSN, baseLogger.With("component", "storage"))
		if err != nil {
			return nil, fmt.Errorf("open cluster store: %w", err)
		}
		sqlStore = s
		store = s
	}

	idx := index.New(cfg.Engine.Dimension)
	gate := cluster.NewGate(store, baseLogger.With("component", "dedup"))
	engine := cluster.NewEngine(idx, store, gate, cluster.Policy{
		Threshold:      cfg.Engine.SimilarityThreshold,
		KNeighbors:     cfg.Engine.KNeighbors,
		Window:         cfg.Engine.Window(),
		Representative: cfg.Engine.Representative,
	}, baseLogger.With("component", "engine"))
	window := cluster.NewWindow(store, idx, cfg.Engine.Window(), engine.Serializer(),
		baseLogger.With("component", "window"))
	selector := cluster.NewSelector(store, cfg.Engine.TopKGrace())

	registry := scanner.NewRegistry()
	registry.Register(parser.NewListingScanner(nil))
	source := parser.NewStrategySource(registry, cfg.Sites, baseLogger.With("component", "source"))

	embedder := embed.NewClient(cfg.Embedding.InferenceURL, cfg.Embedding.APIKey, cfg.Engine.Dimension)

	var scorer ports.HotnessScorer
	if cfg.Scoring.APIKey != "" {
		scorer = llm.NewHotnessClient(cfg.Scoring)
	}

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.BotToken != "" {
		notifier = telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
	}

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Source:   source,
		Embedder: embedder,
		Engine:   engine,
		Window:   window,
		Selector: selector,
		Store:    store,
		Scorer:   scorer,
		Notifier: notifier,
		Logger:   baseLogger.With("component", "pipeline"),
		Workers:  cfg.Engine.Workers,
		TopK:     cfg.Engine.TopK,
	})

	sched := usecase.NewScheduler(
		scheduler.NewTickerScheduler(cfg.Scheduler.RunEvery()),
		scheduler.NewTickerScheduler(cfg.Scheduler.SweepEvery()),
		pipeline,
		window,
		baseLogger.With("component", "scheduler"),
	)

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		store:     store,
		sqlStore:  sqlStore,
		idx:       idx,
		pipeline:  pipeline,
		scheduler: sched,
	}, nil
}

// Run prepares the store, rebuilds the live index from persisted vectors,
// executes an immediate pipeline run, and keeps the schedulers going until
// the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if a.sqlStore != nil {
		if err := a.sqlStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		defer func() {
			if err := a.sqlStore.Shutdown(); err != nil {
				a.logger.Warn("close store", "error", err)
			}
		}()
	}

	since := time.Now().Add(-a.cfg.Engine.Window())
	restored, err := cluster.RebuildIndex(ctx, a.store, a.idx, since)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	a.logger.Info("index rebuilt", "points", restored)

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := a.scheduler.Stop(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("stop scheduler", "error", err)
		}
	}()

	<-ctx.Done()
	return nil
}
