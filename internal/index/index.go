// Package index keeps the sliding-window set of document vectors and answers
// k-nearest-neighbor queries by cosine similarity. It is a derived structure:
// the store is the source of truth and the index is rebuilt from it on cold
// start.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"StoryRadar/internal/domain"
)

// Neighbor is one k-NN query hit.
type Neighbor struct {
	DocID      string
	Similarity float64
}

type point struct {
	vector []float32
	at     time.Time
}

// Index is an exact brute-force vector index. Vectors are L2-normalized on
// insert so a dot product is cosine similarity.
type Index struct {
	dim    int
	mu     sync.RWMutex
	points map[string]point
}

// New creates an empty index for vectors of the given dimension.
func New(dim int) *Index {
	return &Index{
		dim:    dim,
		points: make(map[string]point),
	}
}

// Insert adds or replaces the point for docID.
func (x *Index) Insert(docID string, vector []float32, at time.Time) error {
	if len(vector) != x.dim {
		return fmt.Errorf("%w: vector dimension %d, index dimension %d",
			domain.ErrInvalidInput, len(vector), x.dim)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.points[docID] = point{vector: Normalize(vector), at: at}
	return nil
}

// QueryKNN returns up to k neighbors with timestamp >= notBefore, ordered by
// descending similarity, ties broken by smaller doc id.
func (x *Index) QueryKNN(ctx context.Context, query []float32, k int, notBefore time.Time) ([]Neighbor, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d",
			domain.ErrInvalidInput, len(query), x.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	normalized := Normalize(query)

	x.mu.RLock()
	defer x.mu.RUnlock()

	results := make([]Neighbor, 0, len(x.points))
	for id, p := range x.points {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
		default:
		}

		if p.at.Before(notBefore) {
			continue
		}
		results = append(results, Neighbor{DocID: id, Similarity: Dot(normalized, p.vector)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].DocID < results[j].DocID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// EvictBefore removes all points with timestamp < cutoff and returns the
// evicted doc ids.
func (x *Index) EvictBefore(cutoff time.Time) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var evicted []string
	for id, p := range x.points {
		if p.at.Before(cutoff) {
			delete(x.points, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Remove drops a single point, if present.
func (x *Index) Remove(docID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.points, docID)
}

// Len returns the number of indexed points.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.points)
}

// Dimension returns the configured vector dimension.
func (x *Index) Dimension() int {
	return x.dim
}
