// Package storage provides the ClusterStore adapters: a relational store for
// Postgres/SQLite and an in-memory store for tests and DSN-less runs.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"StoryRadar/internal/domain"
	"StoryRadar/internal/ports"
)

const (
	markerPending   = "pending"
	markerCommitted = "committed"

	headlineLimit = 180

	// claimLease bounds how long a pending marker blocks other workers. A
	// claim younger than the lease belongs to an in-flight assignment; an
	// older one was left by a crashed run and is re-claimable.
	claimLease = 5 * time.Minute
)

type marker struct {
	state     string
	claimedAt time.Time
}

// MemoryStore is a process-local ClusterStore. A single mutex makes every
// operation atomic, so concurrent callers never observe partial state.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	clusters map[int64]*domain.StoryCluster
	members  map[string]*domain.Membership
	markers  map[string]marker
	vectors  map[string]domain.Document
	clock    func() time.Time
}

var _ ports.ClusterStore = (*MemoryStore)(nil)

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		clusters: make(map[int64]*domain.StoryCluster),
		members:  make(map[string]*domain.Membership),
		markers:  make(map[string]marker),
		vectors:  make(map[string]domain.Document),
		clock:    time.Now,
	}
}

// Cluster returns a copy of the cluster by id.
func (m *MemoryStore) Cluster(ctx context.Context, id int64) (domain.StoryCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clusters[id]
	if !ok {
		return domain.StoryCluster{}, fmt.Errorf("cluster %d: %w", id, domain.ErrClusterNotFound)
	}
	return copyCluster(c), nil
}

// ClusterOf resolves the live owner of docID, following forwarding pointers.
func (m *MemoryStore) ClusterOf(ctx context.Context, docID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[docID]
	if !ok {
		return 0, false, nil
	}

	id := member.ClusterID
	for hops := 0; hops < len(m.clusters)+1; hops++ {
		c, ok := m.clusters[id]
		if !ok {
			return 0, false, fmt.Errorf("%w: membership %s points at missing cluster %d",
				domain.ErrCorruption, docID, id)
		}
		if c.Live() {
			return id, true, nil
		}
		id = c.AbsorbedInto
	}
	return 0, false, fmt.Errorf("%w: forwarding cycle from document %s", domain.ErrCorruption, docID)
}

// OpenClusters lists OPEN live clusters updated at or after since.
func (m *MemoryStore) OpenClusters(ctx context.Context, since time.Time) ([]domain.StoryCluster, error) {
	return m.listClusters(domain.StatusOpen, since), nil
}

// ClosedClusters lists CLOSED live clusters updated at or after since.
func (m *MemoryStore) ClosedClusters(ctx context.Context, since time.Time) ([]domain.StoryCluster, error) {
	return m.listClusters(domain.StatusClosed, since), nil
}

func (m *MemoryStore) listClusters(status domain.ClusterStatus, since time.Time) []domain.StoryCluster {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.StoryCluster
	for _, c := range m.clusters {
		if c.Status != status || !c.Live() {
			continue
		}
		if !since.IsZero() && c.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, copyCluster(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members lists the memberships currently owned by clusterID.
func (m *MemoryStore) Members(ctx context.Context, clusterID int64) ([]domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Membership
	for _, member := range m.members {
		if member.ClusterID == clusterID {
			out = append(out, *member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out, nil
}

// TryClaim reserves docID unless it carries a committed marker or a pending
// one inside its lease. A pending claim older than the lease was left by a
// crashed run and is taken over.
func (m *MemoryStore) TryClaim(ctx context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if mk, ok := m.markers[docID]; ok {
		if mk.state == markerCommitted {
			return false, nil
		}
		if now.Sub(mk.claimedAt) < claimLease {
			return false, nil
		}
	}
	m.markers[docID] = marker{state: markerPending, claimedAt: now}
	return true, nil
}

// ReleaseClaim drops a pending claim. Committed markers stay.
func (m *MemoryStore) ReleaseClaim(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markers[docID].state == markerPending {
		delete(m.markers, docID)
	}
	return nil
}

// CreateCluster opens a new cluster with doc as its sole member.
func (m *MemoryStore) CreateCluster(ctx context.Context, doc domain.Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	m.clusters[id] = &domain.StoryCluster{
		ID:             id,
		Headline:       truncateHeadline(doc.Title),
		Representative: append([]float32(nil), doc.Vector...),
		Status:         domain.StatusOpen,
		MemberCount:    1,
		CreatedAt:      doc.PublishedAt,
		UpdatedAt:      doc.PublishedAt,
	}
	m.commitDoc(id, doc)
	return id, nil
}

// Attach adds doc to clusterID. Attaching to a closed or absorbed cluster is
// a conflict: the caller re-runs the assignment and re-decides.
func (m *MemoryStore) Attach(ctx context.Context, clusterID int64, doc domain.Document, repr []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clusters[clusterID]
	if !ok {
		return fmt.Errorf("cluster %d: %w", clusterID, domain.ErrClusterNotFound)
	}
	if c.Status != domain.StatusOpen || !c.Live() {
		return fmt.Errorf("cluster %d no longer accepts members: %w", clusterID, domain.ErrConflict)
	}

	c.Representative = append([]float32(nil), repr...)
	c.MemberCount++
	if doc.PublishedAt.After(c.UpdatedAt) {
		c.UpdatedAt = doc.PublishedAt
	}
	m.commitDoc(clusterID, doc)
	return nil
}

// Merge collapses absorbed into survivorID and attaches doc to the survivor.
// Already-absorbed ids are skipped, which makes the operation idempotent.
func (m *MemoryStore) Merge(ctx context.Context, survivorID int64, absorbed []int64, doc domain.Document, repr []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	survivor, ok := m.clusters[survivorID]
	if !ok {
		return fmt.Errorf("survivor %d: %w", survivorID, domain.ErrClusterNotFound)
	}
	if !survivor.Live() {
		return fmt.Errorf("survivor %d already absorbed: %w", survivorID, domain.ErrConflict)
	}

	for _, id := range absorbed {
		loser, ok := m.clusters[id]
		if !ok {
			return fmt.Errorf("absorbed cluster %d: %w", id, domain.ErrClusterNotFound)
		}
		if !loser.Live() {
			continue
		}

		for _, member := range m.members {
			if member.ClusterID == id {
				member.ClusterID = survivorID
			}
		}
		survivor.MemberCount += loser.MemberCount
		if loser.UpdatedAt.After(survivor.UpdatedAt) {
			survivor.UpdatedAt = loser.UpdatedAt
		}
		loser.AbsorbedInto = survivorID
		loser.Status = domain.StatusClosed
		loser.MemberCount = 0
	}

	survivor.Representative = append([]float32(nil), repr...)
	survivor.MemberCount++
	if doc.PublishedAt.After(survivor.UpdatedAt) {
		survivor.UpdatedAt = doc.PublishedAt
	}
	m.commitDoc(survivorID, doc)
	return nil
}

// Close transitions an OPEN cluster to CLOSED. Idempotent.
func (m *MemoryStore) Close(ctx context.Context, clusterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clusters[clusterID]
	if !ok {
		return fmt.Errorf("cluster %d: %w", clusterID, domain.ErrClusterNotFound)
	}
	c.Status = domain.StatusClosed
	return nil
}

// RecentVectors returns the persisted document vectors published at or after
// since, ordered by doc id.
func (m *MemoryStore) RecentVectors(ctx context.Context, since time.Time) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Document
	for _, doc := range m.vectors {
		if doc.PublishedAt.Before(since) {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkExported flags the clusters as handed to the downstream scorer.
func (m *MemoryStore) MarkExported(ctx context.Context, clusterIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range clusterIDs {
		if c, ok := m.clusters[id]; ok {
			c.Exported = true
		}
	}
	return nil
}

// commitDoc records membership, vector, and the committed marker. Callers
// hold m.mu.
func (m *MemoryStore) commitDoc(clusterID int64, doc domain.Document) {
	m.members[doc.ID] = &domain.Membership{
		ClusterID:   clusterID,
		DocID:       doc.ID,
		Source:      doc.Source,
		PublishedAt: doc.PublishedAt,
	}
	m.vectors[doc.ID] = domain.Document{
		ID:          doc.ID,
		Title:       doc.Title,
		Vector:      append([]float32(nil), doc.Vector...),
		PublishedAt: doc.PublishedAt,
		Source:      doc.Source,
	}
	m.markers[doc.ID] = marker{state: markerCommitted, claimedAt: m.clock()}
}

func copyCluster(c *domain.StoryCluster) domain.StoryCluster {
	out := *c
	out.Representative = append([]float32(nil), c.Representative...)
	return out
}

func truncateHeadline(title string) string {
	runes := []rune(title)
	if len(runes) <= headlineLimit {
		return title
	}
	return string(runes[:headlineLimit])
}
