package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"StoryRadar/internal/index"
	"StoryRadar/internal/ports"
)

// Window closes clusters that fell out of the recency horizon and prunes
// their points from the live index. Memberships and processed markers are
// kept for auditability.
type Window struct {
	store  ports.ClusterStore
	idx    *index.Index
	span   time.Duration
	locker sync.Locker
	logger *slog.Logger
}

// NewWindow builds the sweeper. locker should be the engine's serializer so
// a cluster is never closed while an assignment to it is mid-flight.
func NewWindow(store ports.ClusterStore, idx *index.Index, span time.Duration, locker sync.Locker, logger *slog.Logger) *Window {
	if span <= 0 {
		span = DefaultPolicy().Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{store: store, idx: idx, span: span, locker: locker, logger: logger}
}

// Sweep closes every OPEN cluster whose last update is older than now-span
// and evicts stale points from the index. It returns the ids of the closed
// clusters and of the evicted documents.
func (w *Window) Sweep(ctx context.Context, now time.Time) (closed []int64, evicted []string, err error) {
	if w.locker != nil {
		w.locker.Lock()
		defer w.locker.Unlock()
	}

	cutoff := now.Add(-w.span)

	open, err := w.store.OpenClusters(ctx, time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("list open clusters: %w", err)
	}

	for _, c := range open {
		if !c.UpdatedAt.Before(cutoff) {
			continue
		}
		if closeErr := w.store.Close(ctx, c.ID); closeErr != nil {
			return closed, nil, fmt.Errorf("close cluster %d: %w", c.ID, closeErr)
		}
		closed = append(closed, c.ID)
	}

	evicted = w.idx.EvictBefore(cutoff)

	if len(closed) > 0 || len(evicted) > 0 {
		w.logger.Info("window sweep",
			"cutoff", cutoff.Format(time.RFC3339),
			"closed_clusters", len(closed),
			"evicted_points", len(evicted))
	}
	return closed, evicted, nil
}

// RebuildIndex repopulates the index from the vectors persisted by the store.
// The index is a cache; on cold start it is derived from the source of truth.
func RebuildIndex(ctx context.Context, store ports.ClusterStore, idx *index.Index, since time.Time) (int, error) {
	docs, err := store.RecentVectors(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load recent vectors: %w", err)
	}

	var restored int
	for _, doc := range docs {
		if err := idx.Insert(doc.ID, doc.Vector, doc.PublishedAt); err != nil {
			return restored, fmt.Errorf("restore %s: %w", doc.ID, err)
		}
		restored++
	}
	return restored, nil
}
