package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"StoryRadar/internal/cluster"
	"StoryRadar/internal/domain"
	"StoryRadar/internal/ports"
)

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Source   ports.ArticleSource
	Embedder ports.Embedder
	Engine   *cluster.Engine
	Window   *cluster.Window
	Selector *cluster.Selector
	Store    ports.ClusterStore
	Scorer   ports.HotnessScorer
	Notifier ports.Notifier
	Logger   *slog.Logger
	Workers  int
	TopK     int
}

// Pipeline implements the ingestion-and-export workflow: fetch, embed,
// assign, sweep, export top clusters, score, notify.
type Pipeline struct {
	source   ports.ArticleSource
	embedder ports.Embedder
	engine   *cluster.Engine
	window   *cluster.Window
	selector *cluster.Selector
	store    ports.ClusterStore
	scorer   ports.HotnessScorer
	notifier ports.Notifier
	logger   *slog.Logger
	workers  int
	topK     int
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}
	topK := deps.TopK
	if topK <= 0 {
		topK = 10
	}
	return &Pipeline{
		source:   deps.Source,
		embedder: deps.Embedder,
		engine:   deps.Engine,
		window:   deps.Window,
		selector: deps.Selector,
		store:    deps.Store,
		scorer:   deps.Scorer,
		notifier: deps.Notifier,
		logger:   logger,
		workers:  workers,
		topK:     topK,
	}
}

// ProcessDay ingests one day's articles and hands the resulting top clusters
// to the downstream collaborators. Per-document errors are isolated; only
// store- or index-wide unavailability aborts the batch.
func (p *Pipeline) ProcessDay(ctx context.Context, day time.Time) (domain.RunReport, error) {
	report := domain.RunReport{RunID: uuid.NewString()}
	if p.source == nil || p.engine == nil {
		return report, nil
	}

	articles, err := p.source.FetchDaily(ctx, day)
	if err != nil {
		return report, fmt.Errorf("fetch daily: %w", err)
	}

	var mu sync.Mutex
	record := func(fn func(*domain.RunReport)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&report)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, article := range articles {
		g.Go(func() error {
			if err := p.processArticle(gctx, article, record); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("ingest batch: %w", err)
	}

	if p.window != nil {
		if _, _, err := p.window.Sweep(ctx, time.Now()); err != nil {
			p.logger.Warn("window sweep failed", "error", err)
		}
	}

	if err := p.exportTop(ctx); err != nil {
		p.logger.Warn("top cluster export failed", "error", err)
	}

	p.logger.Info("run finished",
		"run", report.RunID,
		"created", report.Created,
		"attached", report.Attached,
		"merged", report.Merged,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return report, nil
}

func (p *Pipeline) processArticle(ctx context.Context, article domain.Article, record func(func(*domain.RunReport))) error {
	vector, err := p.embedder.Embed(ctx, article)
	if err != nil {
		// Embedding failures never claim the document, so a later run can
		// pick it up again.
		record(func(r *domain.RunReport) { r.Failed++ })
		p.logger.Warn("embed article", "doc", article.ID, "error", err)
		return nil
	}

	doc := domain.Document{
		ID:          article.ID,
		Title:       article.Title,
		Vector:      vector,
		PublishedAt: article.PublishedAt,
		Source:      article.Source,
	}

	result, err := p.engine.Assign(ctx, doc)
	switch {
	case errors.Is(err, domain.ErrTransient):
		// Store or index unavailable: fatal for the whole batch.
		return err
	case err != nil:
		record(func(r *domain.RunReport) { r.Failed++ })
		p.logger.Warn("assign document", "doc", doc.ID, "error", err)
		return nil
	}

	record(func(r *domain.RunReport) {
		switch result.Kind {
		case domain.AssignedNew:
			r.Created++
		case domain.AssignedAttached:
			r.Attached++
		case domain.AssignedMerged:
			r.Merged++
		case domain.AssignedSkipped:
			r.Skipped++
		}
	})
	return nil
}
