package usecase

import (
	"context"
	"fmt"
	"time"

	"StoryRadar/internal/cluster"
	"StoryRadar/internal/domain"
)

// exportTop selects the current top clusters, hands the unscored ones to the
// downstream scorer exactly once, and publishes a digest. Clusters already
// marked exported are not sent again in an unscored state.
func (p *Pipeline) exportTop(ctx context.Context) error {
	if p.selector == nil || p.store == nil {
		return nil
	}

	now := time.Now()
	seq, err := p.selector.TopK(ctx, p.topK, cluster.ByRecencyWeightedMembers(now, 24*time.Hour), time.Time{})
	if err != nil {
		return fmt.Errorf("select top clusters: %w", err)
	}

	var exports []domain.ClusterExport
	for c := range seq {
		if c.Exported {
			continue
		}
		members, err := p.store.Members(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("members of %d: %w", c.ID, err)
		}
		docIDs := make([]string, 0, len(members))
		for _, m := range members {
			docIDs = append(docIDs, m.DocID)
		}
		exports = append(exports, domain.ClusterExport{
			ClusterID:     c.ID,
			Headline:      c.Headline,
			MemberCount:   c.MemberCount,
			MemberDocIDs:  docIDs,
			CreatedAt:     c.CreatedAt,
			LastUpdatedAt: c.UpdatedAt,
		})
	}
	if len(exports) == 0 {
		return nil
	}

	// The marker commits before the send: a crash between the two loses one
	// scoring round, but a cluster never reaches the scorer unscored twice.
	ids := make([]int64, 0, len(exports))
	for _, e := range exports {
		ids = append(ids, e.ClusterID)
	}
	if err := p.store.MarkExported(ctx, ids); err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}

	scores := map[int64]float64{}
	if p.scorer != nil {
		scores, err = p.scorer.Score(ctx, exports)
		if err != nil {
			return fmt.Errorf("score clusters: %w", err)
		}
	}

	if p.notifier != nil {
		if err := p.notifier.PublishDigest(ctx, buildDigestMessage(exports, scores)); err != nil {
			return fmt.Errorf("publish digest: %w", err)
		}
	}
	return nil
}

func buildDigestMessage(exports []domain.ClusterExport, scores map[int64]float64) string {
	if len(exports) == 0 {
		return ""
	}

	var formatted string
	for _, e := range exports {
		formatted += fmt.Sprintf("- %s\nSources: %d | Hotness: %.2f\nFirst seen: %s\n\n",
			e.Headline,
			e.MemberCount,
			scores[e.ClusterID],
			e.CreatedAt.Format("2006-01-02 15:04 MST"))
	}
	return formatted
}
