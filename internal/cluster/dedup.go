package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"StoryRadar/internal/ports"
)

// Gate enforces at-most-once processing per document across repeated runs.
// A claim is reserved before assignment starts and only becomes permanent
// when the store commits the membership; anything else is released so a
// retry can reprocess the document.
type Gate struct {
	store  ports.ClusterStore
	logger *slog.Logger
}

// NewGate wires the gate to the marker side of the store.
func NewGate(store ports.ClusterStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger}
}

// TryClaim reserves docID. It returns false when the document was already
// processed by an earlier run.
func (g *Gate) TryClaim(ctx context.Context, docID string) (bool, error) {
	claimed, err := g.store.TryClaim(ctx, docID)
	if err != nil {
		return false, fmt.Errorf("try claim: %w", err)
	}
	if !claimed {
		g.logger.Debug("document already processed", "doc", docID)
	}
	return claimed, nil
}

// Release drops a pending claim after a failed assignment.
func (g *Gate) Release(ctx context.Context, docID string) error {
	if err := g.store.ReleaseClaim(ctx, docID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}
