// Package cluster implements the incremental story-clustering engine: the
// assignment policy, the dedup gate, window eviction, and top-K selection.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"StoryRadar/internal/domain"
	"StoryRadar/internal/index"
	"StoryRadar/internal/ports"
)

// Policy holds the tunable knobs of the assignment algorithm.
type Policy struct {
	// Threshold is the minimum cosine similarity between the document and a
	// cluster representative for the cluster to qualify.
	Threshold float64
	// KNeighbors bounds the candidate pool per assignment.
	KNeighbors int
	// Window is the recency horizon for clustering eligibility.
	Window time.Duration
	// Representative selects the update rule: "mean" (running mean,
	// re-normalized) or "first" (keep the first member's vector).
	Representative string
}

const (
	RepresentativeMean  = "mean"
	RepresentativeFirst = "first"
)

// DefaultPolicy mirrors the production defaults of the source pipeline.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:      0.85,
		KNeighbors:     30,
		Window:         48 * time.Hour,
		Representative: RepresentativeMean,
	}
}

// Engine decides, for each incoming document, whether it attaches to an
// existing cluster, bridges several clusters into a merge, or opens a new one.
type Engine struct {
	idx    *index.Index
	store  ports.ClusterStore
	gate   *Gate
	policy Policy
	logger *slog.Logger
	clock  func() time.Time

	// mu serializes the decide+commit section of an assignment; the window
	// sweep takes the same lock so a cluster is never closed mid-assign.
	mu sync.Mutex
}

// NewEngine wires the engine with its index, store, and dedup gate.
func NewEngine(idx *index.Index, store ports.ClusterStore, gate *Gate, policy Policy, logger *slog.Logger) *Engine {
	if policy.KNeighbors <= 0 {
		policy.KNeighbors = DefaultPolicy().KNeighbors
	}
	if policy.Window <= 0 {
		policy.Window = DefaultPolicy().Window
	}
	if policy.Representative == "" {
		policy.Representative = RepresentativeMean
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		idx:    idx,
		store:  store,
		gate:   gate,
		policy: policy,
		logger: logger,
		clock:  time.Now,
	}
}

// Serializer exposes the per-assignment lock so the window sweep can share
// the same atomicity unit.
func (e *Engine) Serializer() sync.Locker {
	return &e.mu
}

// Assign processes one document end to end: claim, neighbor query, policy
// decision, and atomic commit. A conflicting store write retries the whole
// assignment; any terminal failure releases the claim so a rerun is safe.
func (e *Engine) Assign(ctx context.Context, doc domain.Document) (domain.AssignmentResult, error) {
	if err := e.validate(doc); err != nil {
		return domain.AssignmentResult{}, err
	}

	claimed, err := e.gate.TryClaim(ctx, doc.ID)
	if err != nil {
		return domain.AssignmentResult{}, fmt.Errorf("claim %s: %w", doc.ID, err)
	}
	if !claimed {
		return domain.AssignmentResult{Kind: domain.AssignedSkipped}, nil
	}

	doc.Vector = index.Normalize(doc.Vector)

	var result domain.AssignmentResult
	backoff := retry.NewFibonacci(25 * time.Millisecond)
	err = retry.Do(ctx, retry.WithMaxRetries(3, backoff), func(ctx context.Context) error {
		r, assignErr := e.assignOnce(ctx, doc)
		if errors.Is(assignErr, domain.ErrConflict) {
			return retry.RetryableError(assignErr)
		}
		if assignErr != nil {
			return assignErr
		}
		result = r
		return nil
	})
	if err != nil {
		if relErr := e.gate.Release(ctx, doc.ID); relErr != nil {
			e.logger.Warn("release claim after failed assignment",
				"doc", doc.ID, "error", relErr)
		}
		return domain.AssignmentResult{}, fmt.Errorf("assign %s: %w", doc.ID, err)
	}
	return result, nil
}

func (e *Engine) validate(doc domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", domain.ErrInvalidInput)
	}
	if len(doc.Vector) != e.idx.Dimension() {
		return fmt.Errorf("%w: document %s has dimension %d, expected %d",
			domain.ErrInvalidInput, doc.ID, len(doc.Vector), e.idx.Dimension())
	}
	return nil
}

func (e *Engine) assignOnce(ctx context.Context, doc domain.Document) (domain.AssignmentResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	notBefore := e.clock().Add(-e.policy.Window)
	neighbors, err := e.idx.QueryKNN(ctx, doc.Vector, e.policy.KNeighbors, notBefore)
	if err != nil {
		return domain.AssignmentResult{}, fmt.Errorf("query neighbors: %w", err)
	}

	candidates, err := e.qualifyingClusters(ctx, doc.Vector, neighbors)
	if err != nil {
		return domain.AssignmentResult{}, err
	}

	var result domain.AssignmentResult
	switch len(candidates) {
	case 0:
		id, createErr := e.store.CreateCluster(ctx, doc)
		if createErr != nil {
			return domain.AssignmentResult{}, fmt.Errorf("create cluster: %w", createErr)
		}
		result = domain.AssignmentResult{Kind: domain.AssignedNew, ClusterID: id}

	case 1:
		target := candidates[0]
		repr := e.nextRepresentative(target, doc.Vector)
		if attachErr := e.store.Attach(ctx, target.ID, doc, repr); attachErr != nil {
			return domain.AssignmentResult{}, fmt.Errorf("attach to %d: %w", target.ID, attachErr)
		}
		result = domain.AssignmentResult{Kind: domain.AssignedAttached, ClusterID: target.ID}

	default:
		// The document bridges several clusters describing the same story.
		// Candidates are in ascending id order, so the survivor is first.
		survivor := candidates[0]
		absorbed := make([]int64, 0, len(candidates)-1)
		for _, c := range candidates[1:] {
			absorbed = append(absorbed, c.ID)
		}
		repr := e.mergedRepresentative(candidates, doc.Vector)
		if mergeErr := e.store.Merge(ctx, survivor.ID, absorbed, doc, repr); mergeErr != nil {
			return domain.AssignmentResult{}, fmt.Errorf("merge into %d: %w", survivor.ID, mergeErr)
		}
		result = domain.AssignmentResult{
			Kind:      domain.AssignedMerged,
			ClusterID: survivor.ID,
			Absorbed:  absorbed,
		}
	}

	// The index is a derived cache; insert only after the store committed.
	if err := e.idx.Insert(doc.ID, doc.Vector, doc.PublishedAt); err != nil {
		return domain.AssignmentResult{}, fmt.Errorf("index %s: %w", doc.ID, err)
	}

	e.logger.Debug("assigned document",
		"doc", doc.ID, "kind", string(result.Kind), "cluster", result.ClusterID)
	return result, nil
}

// qualifyingClusters maps the neighbor set to the distinct OPEN clusters
// whose representative similarity meets the threshold, in ascending id order.
func (e *Engine) qualifyingClusters(ctx context.Context, vec []float32, neighbors []index.Neighbor) ([]domain.StoryCluster, error) {
	seen := make(map[int64]bool)
	var candidates []domain.StoryCluster

	for _, n := range neighbors {
		id, ok, err := e.store.ClusterOf(ctx, n.DocID)
		if err != nil {
			return nil, fmt.Errorf("resolve cluster of %s: %w", n.DocID, err)
		}
		if !ok || seen[id] {
			continue
		}
		seen[id] = true

		c, err := e.store.Cluster(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load cluster %d: %w", id, err)
		}
		if c.Status != domain.StatusOpen || !c.Live() {
			continue
		}
		if index.Dot(vec, c.Representative) >= e.policy.Threshold {
			candidates = append(candidates, c)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})
	return candidates, nil
}

func (e *Engine) nextRepresentative(c domain.StoryCluster, vec []float32) []float32 {
	if e.policy.Representative == RepresentativeFirst {
		return c.Representative
	}
	out := make([]float32, len(vec))
	count := float64(c.MemberCount)
	for i := range vec {
		out[i] = float32((float64(c.Representative[i])*count + float64(vec[i])) / (count + 1))
	}
	return index.Normalize(out)
}

// mergedRepresentative recomputes the survivor representative from the union
// of members: a count-weighted mean of the candidate representatives plus the
// bridging document.
func (e *Engine) mergedRepresentative(candidates []domain.StoryCluster, vec []float32) []float32 {
	if e.policy.Representative == RepresentativeFirst {
		return candidates[0].Representative
	}
	out := make([]float64, len(vec))
	var total float64
	for _, c := range candidates {
		count := float64(c.MemberCount)
		for i := range c.Representative {
			out[i] += float64(c.Representative[i]) * count
		}
		total += count
	}
	for i := range vec {
		out[i] += float64(vec[i])
	}
	total++

	repr := make([]float32, len(vec))
	for i := range out {
		repr[i] = float32(out[i] / total)
	}
	return index.Normalize(repr)
}
