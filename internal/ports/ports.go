package ports

import (
	"context"
	"time"

	"StoryRadar/internal/domain"
)

// ClusterStore is the durable, transactional side of the clustering engine.
// CreateCluster, Attach, and Merge each commit the document's membership and
// flip its processed marker to committed in the same transaction; a failure
// leaves no partial state.
type ClusterStore interface {
	// Cluster returns the cluster by id, including absorbed ones.
	Cluster(ctx context.Context, id int64) (domain.StoryCluster, error)

	// ClusterOf resolves the live cluster owning docID, following forwarding
	// pointers left by merges. ok is false for unknown documents.
	ClusterOf(ctx context.Context, docID string) (id int64, ok bool, err error)

	// OpenClusters lists OPEN clusters with updated_at >= since.
	OpenClusters(ctx context.Context, since time.Time) ([]domain.StoryCluster, error)

	// ClosedClusters lists CLOSED live clusters with updated_at >= since.
	ClosedClusters(ctx context.Context, since time.Time) ([]domain.StoryCluster, error)

	// Members lists the memberships currently owned by clusterID.
	Members(ctx context.Context, clusterID int64) ([]domain.Membership, error)

	// TryClaim reserves docID for processing. It returns false when the
	// document already carries a committed marker. A pending claim left by a
	// crashed run is re-claimable.
	TryClaim(ctx context.Context, docID string) (bool, error)

	// ReleaseClaim drops a pending claim so a retry can reprocess the
	// document. Committed markers are never released.
	ReleaseClaim(ctx context.Context, docID string) error

	// CreateCluster opens a new cluster with doc as its sole member.
	CreateCluster(ctx context.Context, doc domain.Document) (int64, error)

	// Attach adds doc to clusterID and installs the updated representative.
	Attach(ctx context.Context, clusterID int64, doc domain.Document, repr []float32) error

	// Merge collapses absorbed into survivorID, redirects their memberships,
	// closes them, attaches doc to the survivor, and installs repr. Calling
	// it again with already-absorbed ids is a no-op for those ids.
	Merge(ctx context.Context, survivorID int64, absorbed []int64, doc domain.Document, repr []float32) error

	// Close transitions an OPEN cluster to CLOSED. Idempotent.
	Close(ctx context.Context, clusterID int64) error

	// RecentVectors returns document vectors with published_at >= since, for
	// rebuilding the in-memory index on cold start.
	RecentVectors(ctx context.Context, since time.Time) ([]domain.Document, error)

	// MarkExported records that the clusters were handed to the downstream
	// scoring stage, so they are not exported unscored a second time.
	MarkExported(ctx context.Context, clusterIDs []int64) error
}

// ArticleSource pulls normalized articles from upstream providers.
type ArticleSource interface {
	FetchDaily(ctx context.Context, day time.Time) ([]domain.Article, error)
}

// Embedder turns an article into a fixed-dimension embedding vector.
type Embedder interface {
	Embed(ctx context.Context, article domain.Article) ([]float32, error)
}

// HotnessScorer hands the top-cluster export to the downstream LLM stage and
// returns per-cluster hotness scores.
type HotnessScorer interface {
	Score(ctx context.Context, clusters []domain.ClusterExport) (map[int64]float64, error)
}

// Notifier publishes cluster digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when pipeline runs and window sweeps execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
