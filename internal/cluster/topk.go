package cluster

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sort"
	"time"

	"StoryRadar/internal/domain"
	"StoryRadar/internal/ports"
)

// ScoreFunc ranks a cluster for top-K selection. Higher is better.
type ScoreFunc func(domain.StoryCluster) float64

// ByMemberCount ranks clusters by how many documents they absorbed.
func ByMemberCount(c domain.StoryCluster) float64 {
	return float64(c.MemberCount)
}

// ByRecencyWeightedMembers discounts the member count by the age of the last
// update, halving the weight every halfLife.
func ByRecencyWeightedMembers(now time.Time, halfLife time.Duration) ScoreFunc {
	return func(c domain.StoryCluster) float64 {
		age := now.Sub(c.UpdatedAt)
		if age < 0 {
			age = 0
		}
		return float64(c.MemberCount) * math.Exp2(-age.Hours()/halfLife.Hours())
	}
}

// Selector exports a bounded, ranked view of the recent clusters.
type Selector struct {
	store ports.ClusterStore
	grace time.Duration
	clock func() time.Time
}

// NewSelector builds a selector. grace > 0 additionally admits clusters
// closed within that period.
func NewSelector(store ports.ClusterStore, grace time.Duration) *Selector {
	return &Selector{store: store, grace: grace, clock: time.Now}
}

// TopK returns a restartable sequence of at most n clusters updated at or
// after since, ordered by score descending, ties broken by earlier creation
// timestamp, then by lower id.
func (s *Selector) TopK(ctx context.Context, n int, score ScoreFunc, since time.Time) (iter.Seq[domain.StoryCluster], error) {
	if score == nil {
		score = ByMemberCount
	}

	clusters, err := s.store.OpenClusters(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list open clusters: %w", err)
	}

	if s.grace > 0 {
		graceSince := s.clock().Add(-s.grace)
		if graceSince.Before(since) {
			graceSince = since
		}
		closed, err := s.store.ClosedClusters(ctx, graceSince)
		if err != nil {
			return nil, fmt.Errorf("list closed clusters: %w", err)
		}
		clusters = append(clusters, closed...)
	}

	type ranked struct {
		cluster domain.StoryCluster
		score   float64
	}
	scored := make([]ranked, 0, len(clusters))
	for _, c := range clusters {
		scored = append(scored, ranked{cluster: c, score: score(c)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].cluster.CreatedAt.Equal(scored[j].cluster.CreatedAt) {
			return scored[i].cluster.CreatedAt.Before(scored[j].cluster.CreatedAt)
		}
		return scored[i].cluster.ID < scored[j].cluster.ID
	})

	if n >= 0 && len(scored) > n {
		scored = scored[:n]
	}

	return func(yield func(domain.StoryCluster) bool) {
		for _, r := range scored {
			if !yield(r.cluster) {
				return
			}
		}
	}, nil
}
