package index

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"StoryRadar/internal/domain"
)

func TestInsertRejectsWrongDimension(t *testing.T) {
	t.Parallel()

	idx := New(3)
	err := idx.Insert("doc-1", []float32{1, 0}, time.Now())
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected empty index, got %d points", idx.Len())
	}
}

func TestQueryKNNOrdering(t *testing.T) {
	t.Parallel()

	idx := New(2)
	now := time.Now()

	// Angles away from the query vector (1, 0): closer angle, higher cosine.
	insert := func(id string, angle float64) {
		v := []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}
		if err := idx.Insert(id, v, now); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("far", 1.2)
	insert("near", 0.1)
	insert("mid", 0.6)

	got, err := idx.QueryKNN(context.Background(), []float32{1, 0}, 10, time.Time{})
	if err != nil {
		t.Fatalf("QueryKNN error: %v", err)
	}

	want := []string{"near", "mid", "far"}
	if len(got) != len(want) {
		t.Fatalf("expected %d neighbors, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].DocID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].DocID)
		}
	}
	if got[0].Similarity < got[1].Similarity || got[1].Similarity < got[2].Similarity {
		t.Fatalf("similarities not descending: %+v", got)
	}
}

func TestQueryKNNTieBreakBySmallerDocID(t *testing.T) {
	t.Parallel()

	idx := New(2)
	now := time.Now()
	// Identical vectors produce identical similarity.
	for _, id := range []string{"doc-b", "doc-a", "doc-c"} {
		if err := idx.Insert(id, []float32{0, 1}, now); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := idx.QueryKNN(context.Background(), []float32{0, 2}, 3, time.Time{})
	if err != nil {
		t.Fatalf("QueryKNN error: %v", err)
	}

	want := []string{"doc-a", "doc-b", "doc-c"}
	for i, id := range want {
		if got[i].DocID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].DocID)
		}
	}
}

func TestQueryKNNRespectsTimeLowerBoundAndK(t *testing.T) {
	t.Parallel()

	idx := New(2)
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	_ = idx.Insert("old", []float32{1, 0}, base.Add(-72*time.Hour))
	_ = idx.Insert("fresh-1", []float32{1, 0}, base)
	_ = idx.Insert("fresh-2", []float32{0.9, 0.1}, base.Add(time.Hour))

	got, err := idx.QueryKNN(context.Background(), []float32{1, 0}, 1, base.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("QueryKNN error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 neighbor, got %d", len(got))
	}
	if got[0].DocID != "fresh-1" {
		t.Fatalf("expected fresh-1, got %s", got[0].DocID)
	}
}

func TestEvictBefore(t *testing.T) {
	t.Parallel()

	idx := New(2)
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	_ = idx.Insert("stale-b", []float32{1, 0}, base.Add(-50*time.Hour))
	_ = idx.Insert("stale-a", []float32{0, 1}, base.Add(-49*time.Hour))
	_ = idx.Insert("live", []float32{1, 0}, base)

	evicted := idx.EvictBefore(base.Add(-48 * time.Hour))
	if len(evicted) != 2 || evicted[0] != "stale-a" || evicted[1] != "stale-b" {
		t.Fatalf("unexpected eviction set: %v", evicted)
	}
	if idx.Len() != 1 {
		t.Fatalf("expected 1 remaining point, got %d", idx.Len())
	}

	got, err := idx.QueryKNN(context.Background(), []float32{1, 0}, 10, time.Time{})
	if err != nil {
		t.Fatalf("QueryKNN error: %v", err)
	}
	if len(got) != 1 || got[0].DocID != "live" {
		t.Fatalf("expected only live point, got %+v", got)
	}
}

func TestQueryKNNCancelledContext(t *testing.T) {
	t.Parallel()

	idx := New(2)
	_ = idx.Insert("doc", []float32{1, 0}, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.QueryKNN(ctx, []float32{1, 0}, 1, time.Time{})
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestNormalizeAndCosine(t *testing.T) {
	t.Parallel()

	n := Normalize([]float32{3, 4})
	if math.Abs(float64(n[0])-0.6) > 1e-6 || math.Abs(float64(n[1])-0.8) > 1e-6 {
		t.Fatalf("unexpected normalization: %v", n)
	}

	if sim := Cosine([]float32{2, 0}, []float32{5, 0}); math.Abs(sim-1) > 1e-6 {
		t.Fatalf("expected cosine 1, got %f", sim)
	}
	if sim := Cosine([]float32{1, 0}, []float32{0, 3}); math.Abs(sim) > 1e-6 {
		t.Fatalf("expected cosine 0, got %f", sim)
	}
}
