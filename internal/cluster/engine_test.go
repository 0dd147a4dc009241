package cluster

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"StoryRadar/internal/domain"
	"StoryRadar/internal/index"
	"StoryRadar/internal/infrastructure/storage"
)

// vec returns a unit vector at the given angle in the XY plane, so the
// cosine similarity of two vectors is the cosine of their angle difference.
func vec(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0}
}

func testEngine(t *testing.T, store *storage.MemoryStore, now time.Time) *Engine {
	t.Helper()
	idx := index.New(3)
	gate := NewGate(store, nil)
	eng := NewEngine(idx, store, gate, DefaultPolicy(), nil)
	eng.clock = func() time.Time { return now }
	return eng
}

func doc(id string, angle float64, at time.Time) domain.Document {
	return domain.Document{
		ID:          id,
		Title:       "headline " + id,
		Vector:      vec(angle),
		PublishedAt: at,
		Source:      "test",
	}
}

func TestAssignNearDuplicatesFormOneCluster(t *testing.T) {
	t.Parallel()

	// Scenario A: three documents with high pairwise similarity end up in a
	// single cluster of three members.
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	eng := testEngine(t, store, now)
	ctx := context.Background()

	angles := []float64{0, 0.1, 0.2}
	var clusterID int64
	for i, angle := range angles {
		res, err := eng.Assign(ctx, doc(string(rune('a'+i)), angle, now))
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if i == 0 {
			if res.Kind != domain.AssignedNew {
				t.Fatalf("first document: expected new cluster, got %s", res.Kind)
			}
			clusterID = res.ClusterID
		} else {
			if res.Kind != domain.AssignedAttached {
				t.Fatalf("document %d: expected attach, got %s", i, res.Kind)
			}
			if res.ClusterID != clusterID {
				t.Fatalf("document %d attached to %d, expected %d", i, res.ClusterID, clusterID)
			}
		}
	}

	c, err := store.Cluster(ctx, clusterID)
	if err != nil {
		t.Fatalf("load cluster: %v", err)
	}
	if c.MemberCount != 3 {
		t.Fatalf("expected 3 members, got %d", c.MemberCount)
	}
}

func TestAssignDissimilarDocumentsFormDistinctClusters(t *testing.T) {
	t.Parallel()

	// Scenario B: similarity 0.40 is below the 0.85 threshold.
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	eng := testEngine(t, store, now)
	ctx := context.Background()

	first, err := eng.Assign(ctx, doc("d1", 0, now))
	if err != nil {
		t.Fatalf("assign d1: %v", err)
	}
	second, err := eng.Assign(ctx, doc("d2", math.Acos(0.40), now))
	if err != nil {
		t.Fatalf("assign d2: %v", err)
	}

	if first.Kind != domain.AssignedNew || second.Kind != domain.AssignedNew {
		t.Fatalf("expected two new clusters, got %s and %s", first.Kind, second.Kind)
	}
	if first.ClusterID == second.ClusterID {
		t.Fatalf("documents share cluster %d", first.ClusterID)
	}

	for _, id := range []int64{first.ClusterID, second.ClusterID} {
		c, err := store.Cluster(ctx, id)
		if err != nil {
			t.Fatalf("load cluster %d: %v", id, err)
		}
		if c.MemberCount != 1 {
			t.Fatalf("cluster %d: expected 1 member, got %d", id, c.MemberCount)
		}
	}
}

func TestAssignBridgeDocumentMergesClusters(t *testing.T) {
	t.Parallel()

	// Scenario C: d3 is similar to both existing clusters; they collapse
	// into the lowest id and all memberships end up on the survivor.
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	eng := testEngine(t, store, now)
	ctx := context.Background()

	// cos(1.0) ~= 0.54 keeps d1 and d2 apart; cos(0.5) ~= 0.88 lets d3
	// qualify for both.
	resX, err := eng.Assign(ctx, doc("d1", -0.5, now))
	if err != nil {
		t.Fatalf("assign d1: %v", err)
	}
	resY, err := eng.Assign(ctx, doc("d2", 0.5, now))
	if err != nil {
		t.Fatalf("assign d2: %v", err)
	}
	if resX.ClusterID == resY.ClusterID {
		t.Fatalf("setup failed: d1 and d2 share a cluster")
	}

	res, err := eng.Assign(ctx, doc("d3", 0, now))
	if err != nil {
		t.Fatalf("assign d3: %v", err)
	}
	if res.Kind != domain.AssignedMerged {
		t.Fatalf("expected merge, got %s", res.Kind)
	}
	if res.ClusterID != resX.ClusterID {
		t.Fatalf("survivor %d, expected lowest id %d", res.ClusterID, resX.ClusterID)
	}
	if len(res.Absorbed) != 1 || res.Absorbed[0] != resY.ClusterID {
		t.Fatalf("unexpected absorbed set: %v", res.Absorbed)
	}

	survivor, err := store.Cluster(ctx, res.ClusterID)
	if err != nil {
		t.Fatalf("load survivor: %v", err)
	}
	if survivor.MemberCount != 3 {
		t.Fatalf("survivor: expected 3 members, got %d", survivor.MemberCount)
	}

	loser, err := store.Cluster(ctx, resY.ClusterID)
	if err != nil {
		t.Fatalf("load loser: %v", err)
	}
	if loser.Status != domain.StatusClosed || loser.Live() {
		t.Fatalf("loser not closed and absorbed: %+v", loser)
	}
	members, err := store.Members(ctx, resY.ClusterID)
	if err != nil {
		t.Fatalf("loser members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("loser kept %d live memberships", len(members))
	}

	// Partition invariant: each document resolves to exactly the survivor.
	for _, id := range []string{"d1", "d2", "d3"} {
		owner, ok, err := store.ClusterOf(ctx, id)
		if err != nil || !ok {
			t.Fatalf("resolve %s: ok=%v err=%v", id, ok, err)
		}
		if owner != res.ClusterID {
			t.Fatalf("%s owned by %d, expected %d", id, owner, res.ClusterID)
		}
	}
}

func TestMergeSurvivorIsDeterministic(t *testing.T) {
	t.Parallel()

	// The lowest cluster id survives no matter in which order the qualifying
	// clusters were created or discovered.
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	for name, firstAngle := range map[string]float64{"left-first": -0.5, "right-first": 0.5} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := storage.NewMemoryStore()
			eng := testEngine(t, store, now)
			ctx := context.Background()

			a, err := eng.Assign(ctx, doc("d1", firstAngle, now))
			if err != nil {
				t.Fatalf("assign d1: %v", err)
			}
			if _, err := eng.Assign(ctx, doc("d2", -firstAngle, now)); err != nil {
				t.Fatalf("assign d2: %v", err)
			}

			res, err := eng.Assign(ctx, doc("d3", 0, now))
			if err != nil {
				t.Fatalf("assign d3: %v", err)
			}
			if res.Kind != domain.AssignedMerged {
				t.Fatalf("expected merge, got %s", res.Kind)
			}
			if res.ClusterID != a.ClusterID {
				t.Fatalf("survivor %d, expected first-created id %d", res.ClusterID, a.ClusterID)
			}
		})
	}
}

func TestAssignIsIdempotentAcrossReruns(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	eng := testEngine(t, store, now)
	ctx := context.Background()

	batch := []domain.Document{
		doc("d1", 0, now),
		doc("d2", 0.1, now),
		doc("d3", 1.4, now),
	}

	for _, d := range batch {
		if _, err := eng.Assign(ctx, d); err != nil {
			t.Fatalf("first run %s: %v", d.ID, err)
		}
	}

	snapshot, err := store.OpenClusters(ctx, time.Time{})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	for _, d := range batch {
		res, err := eng.Assign(ctx, d)
		if err != nil {
			t.Fatalf("second run %s: %v", d.ID, err)
		}
		if res.Kind != domain.AssignedSkipped {
			t.Fatalf("second run %s: expected skip, got %s", d.ID, res.Kind)
		}
	}

	rerun, err := store.OpenClusters(ctx, time.Time{})
	if err != nil {
		t.Fatalf("rerun snapshot: %v", err)
	}
	if len(rerun) != len(snapshot) {
		t.Fatalf("cluster count changed: %d -> %d", len(snapshot), len(rerun))
	}
	for i := range rerun {
		if rerun[i].ID != snapshot[i].ID || rerun[i].MemberCount != snapshot[i].MemberCount {
			t.Fatalf("cluster %d changed: %+v -> %+v", rerun[i].ID, snapshot[i], rerun[i])
		}
	}
}

func TestAssignSkipsDocumentClaimedByAnotherWorker(t *testing.T) {
	t.Parallel()

	// Duplicate feed items can hand the same document id to two workers in
	// one batch. The second worker must not pass the gate while the first
	// still holds its claim, or the member count diverges from the actual
	// membership rows.
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	eng := testEngine(t, store, now)
	ctx := context.Background()

	// Worker A reserved the document and is mid-assignment.
	claimed, err := store.TryClaim(ctx, "d1")
	if err != nil || !claimed {
		t.Fatalf("worker A claim: claimed=%v err=%v", claimed, err)
	}

	// Worker B gets the same id and must be turned away.
	res, err := eng.Assign(ctx, doc("d1", 0, now))
	if err != nil {
		t.Fatalf("worker B assign: %v", err)
	}
	if res.Kind != domain.AssignedSkipped {
		t.Fatalf("worker B passed the gate: %s", res.Kind)
	}

	open, err := store.OpenClusters(ctx, time.Time{})
	if err != nil {
		t.Fatalf("open clusters: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("worker B created a cluster: %+v", open)
	}

	// Worker A finishes; its commit is the only one, so the count matches
	// the membership rows.
	id, err := store.CreateCluster(ctx, doc("d1", 0, now))
	if err != nil {
		t.Fatalf("worker A commit: %v", err)
	}
	c, err := store.Cluster(ctx, id)
	if err != nil {
		t.Fatalf("load cluster: %v", err)
	}
	members, err := store.Members(ctx, id)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if c.MemberCount != 1 || len(members) != 1 {
		t.Fatalf("count %d diverged from %d membership rows", c.MemberCount, len(members))
	}
}

func TestAssignRejectsWrongDimensionWithoutClaim(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := storage.NewMemoryStore()
	eng := testEngine(t, store, now)
	ctx := context.Background()

	bad := domain.Document{ID: "bad", Vector: []float32{1, 0}, PublishedAt: now}
	_, err := eng.Assign(ctx, bad)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	// The document was never claimed, so a corrected retry processes it.
	claimed, err := store.TryClaim(ctx, "bad")
	if err != nil {
		t.Fatalf("try claim: %v", err)
	}
	if !claimed {
		t.Fatal("invalid document left a marker behind")
	}
}

// flakyStore fails the first attach attempts with the configured error.
type flakyStore struct {
	*storage.MemoryStore
	attachErr  error
	failsLeft  int
	attachSeen int
}

func (f *flakyStore) Attach(ctx context.Context, clusterID int64, d domain.Document, repr []float32) error {
	f.attachSeen++
	if f.failsLeft > 0 {
		f.failsLeft--
		return f.attachErr
	}
	return f.MemoryStore.Attach(ctx, clusterID, d, repr)
}

func TestAssignRetriesConflictingWrites(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	mem := storage.NewMemoryStore()
	store := &flakyStore{MemoryStore: mem, attachErr: domain.ErrConflict, failsLeft: 1}

	idx := index.New(3)
	eng := NewEngine(idx, store, NewGate(store, nil), DefaultPolicy(), nil)
	eng.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, err := eng.Assign(ctx, doc("d1", 0, now)); err != nil {
		t.Fatalf("assign d1: %v", err)
	}

	res, err := eng.Assign(ctx, doc("d2", 0.05, now))
	if err != nil {
		t.Fatalf("assign d2 should survive one conflict: %v", err)
	}
	if res.Kind != domain.AssignedAttached {
		t.Fatalf("expected attach after retry, got %s", res.Kind)
	}
	if store.attachSeen != 2 {
		t.Fatalf("expected 2 attach attempts, got %d", store.attachSeen)
	}
}

func TestAssignReleasesClaimOnTerminalFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	mem := storage.NewMemoryStore()
	store := &flakyStore{MemoryStore: mem, attachErr: domain.ErrTransient, failsLeft: 10}

	idx := index.New(3)
	eng := NewEngine(idx, store, NewGate(store, nil), DefaultPolicy(), nil)
	eng.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, err := eng.Assign(ctx, doc("d1", 0, now)); err != nil {
		t.Fatalf("assign d1: %v", err)
	}

	_, err := eng.Assign(ctx, doc("d2", 0.05, now))
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}

	// The failed document must be reprocessable once the store recovers.
	store.failsLeft = 0
	res, err := eng.Assign(ctx, doc("d2", 0.05, now))
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if res.Kind != domain.AssignedAttached {
		t.Fatalf("expected attach on retry, got %s", res.Kind)
	}
}

func TestRepresentativeFirstPolicyKeepsFirstVector(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	idx := index.New(3)
	policy := DefaultPolicy()
	policy.Representative = RepresentativeFirst
	eng := NewEngine(idx, store, NewGate(store, nil), policy, nil)
	eng.clock = func() time.Time { return now }
	ctx := context.Background()

	first, err := eng.Assign(ctx, doc("d1", 0, now))
	if err != nil {
		t.Fatalf("assign d1: %v", err)
	}
	if _, err := eng.Assign(ctx, doc("d2", 0.1, now)); err != nil {
		t.Fatalf("assign d2: %v", err)
	}

	c, err := store.Cluster(ctx, first.ClusterID)
	if err != nil {
		t.Fatalf("load cluster: %v", err)
	}
	want := vec(0)
	for i := range want {
		if math.Abs(float64(c.Representative[i]-want[i])) > 1e-6 {
			t.Fatalf("representative drifted: %v", c.Representative)
		}
	}
}
