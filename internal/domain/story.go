package domain

import "time"

// Document is a normalized article with its embedding, as delivered by the
// ingestion boundary. Immutable once created; the engine only reads it.
type Document struct {
	ID          string
	Title       string
	Vector      []float32
	PublishedAt time.Time
	Source      string
}

// ClusterStatus tracks whether a cluster still accepts members.
type ClusterStatus string

const (
	StatusOpen   ClusterStatus = "open"
	StatusClosed ClusterStatus = "closed"
)

// StoryCluster groups documents believed to describe the same event.
// AbsorbedInto is the forwarding pointer left behind when a cluster loses a
// merge; it is zero for live clusters.
type StoryCluster struct {
	ID             int64
	Headline       string
	Representative []float32
	Status         ClusterStatus
	MemberCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AbsorbedInto   int64
	Exported       bool
}

// Live reports whether the cluster still owns its memberships.
func (c StoryCluster) Live() bool {
	return c.AbsorbedInto == 0
}

// Membership relates one document to its owning cluster.
type Membership struct {
	ClusterID   int64
	DocID       string
	Source      string
	PublishedAt time.Time
}

// AssignmentKind enumerates the possible outcomes of assigning a document.
type AssignmentKind string

const (
	AssignedNew      AssignmentKind = "new_cluster"
	AssignedAttached AssignmentKind = "attached"
	AssignedMerged   AssignmentKind = "merged"
	AssignedSkipped  AssignmentKind = "skipped"
)

// AssignmentResult describes what happened to a single document.
// Absorbed is populated only for merges and lists the clusters that were
// collapsed into ClusterID.
type AssignmentResult struct {
	Kind      AssignmentKind
	ClusterID int64
	Absorbed  []int64
}

// RunReport aggregates the per-document outcomes of one batch run.
type RunReport struct {
	RunID    string
	Created  int
	Attached int
	Merged   int
	Skipped  int
	Failed   int
}

// Total returns the number of documents the run looked at.
func (r RunReport) Total() int {
	return r.Created + r.Attached + r.Merged + r.Skipped + r.Failed
}

// ClusterExport is the read-only view handed to the downstream scoring and
// notification collaborators.
type ClusterExport struct {
	ClusterID     int64     `json:"cluster_id"`
	Headline      string    `json:"headline"`
	MemberCount   int       `json:"member_count"`
	MemberDocIDs  []string  `json:"member_doc_ids"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
