package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"StoryRadar/internal/domain"
	"StoryRadar/internal/ports"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	maxForwardHops = 64
)

// SQLStore is the durable ClusterStore over a relational database. The same
// schema runs on Postgres (lib/pq) and SQLite (modernc.org/sqlite); the DSN
// picks the driver.
type SQLStore struct {
	db     *sql.DB
	sb     sq.StatementBuilderType
	driver string
	logger *slog.Logger
	clock  func() time.Time
}

var _ ports.ClusterStore = (*SQLStore)(nil)

// Open connects to the database named by dsn. postgres:// DSNs use lib/pq;
// anything else is treated as a SQLite path.
func Open(dsn string, logger *slog.Logger) (*SQLStore, error) {
	driver := driverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = driverPostgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if driver == driverPostgres {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SQLStore{db: db, sb: sb, driver: driver, logger: logger, clock: time.Now}, nil
}

// Shutdown closes the underlying connection pool.
func (s *SQLStore) Shutdown() error {
	return s.db.Close()
}

// EnsureSchema creates the tables if they are missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blob := "BLOB"
	if s.driver == driverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS story_clusters (
			id %s,
			headline TEXT NOT NULL DEFAULT '',
			representative %s NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			member_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			absorbed_into BIGINT,
			exported_at TIMESTAMP
		)`, serial, blob),
		`CREATE TABLE IF NOT EXISTS cluster_members (
			doc_id TEXT PRIMARY KEY,
			cluster_id BIGINT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_members_cluster ON cluster_members(cluster_id)`,
		`CREATE TABLE IF NOT EXISTS processed_markers (
			doc_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			claimed_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_vectors (
			doc_id TEXT PRIMARY KEY,
			embedding %s NOT NULL,
			dim INTEGER NOT NULL,
			published_at TIMESTAMP NOT NULL
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_vectors_published ON document_vectors(published_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap("ensure schema", err)
		}
	}
	return nil
}

// Cluster returns the cluster by id, including absorbed ones.
func (s *SQLStore) Cluster(ctx context.Context, id int64) (domain.StoryCluster, error) {
	query := s.sb.
		Select("id", "headline", "representative", "status", "member_count",
			"created_at", "updated_at", "absorbed_into", "exported_at").
		From("story_clusters").
		Where(sq.Eq{"id": id})

	row := query.RunWith(s.db).QueryRowContext(ctx)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoryCluster{}, fmt.Errorf("cluster %d: %w", id, domain.ErrClusterNotFound)
	}
	if err != nil {
		return domain.StoryCluster{}, s.wrap("load cluster", err)
	}
	return c, nil
}

// ClusterOf resolves the live cluster owning docID, following forwarding
// pointers left by merges.
func (s *SQLStore) ClusterOf(ctx context.Context, docID string) (int64, bool, error) {
	var id int64
	err := s.sb.
		Select("cluster_id").
		From("cluster_members").
		Where(sq.Eq{"doc_id": docID}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.wrap("resolve membership", err)
	}

	for hops := 0; hops < maxForwardHops; hops++ {
		var absorbedInto sql.NullInt64
		err := s.sb.
			Select("absorbed_into").
			From("story_clusters").
			Where(sq.Eq{"id": id}).
			RunWith(s.db).
			QueryRowContext(ctx).
			Scan(&absorbedInto)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("%w: membership %s points at missing cluster %d",
				domain.ErrCorruption, docID, id)
		}
		if err != nil {
			return 0, false, s.wrap("follow forwarding pointer", err)
		}
		if !absorbedInto.Valid {
			return id, true, nil
		}
		id = absorbedInto.Int64
	}
	return 0, false, fmt.Errorf("%w: forwarding cycle from document %s", domain.ErrCorruption, docID)
}

// OpenClusters lists OPEN live clusters updated at or after since.
func (s *SQLStore) OpenClusters(ctx context.Context, since time.Time) ([]domain.StoryCluster, error) {
	return s.listClusters(ctx, string(domain.StatusOpen), since)
}

// ClosedClusters lists CLOSED live clusters updated at or after since.
func (s *SQLStore) ClosedClusters(ctx context.Context, since time.Time) ([]domain.StoryCluster, error) {
	return s.listClusters(ctx, string(domain.StatusClosed), since)
}

func (s *SQLStore) listClusters(ctx context.Context, status string, since time.Time) ([]domain.StoryCluster, error) {
	query := s.sb.
		Select("id", "headline", "representative", "status", "member_count",
			"created_at", "updated_at", "absorbed_into", "exported_at").
		From("story_clusters").
		Where(sq.Eq{"status": status}).
		Where("absorbed_into IS NULL").
		OrderBy("id")
	if !since.IsZero() {
		query = query.Where(sq.GtOrEq{"updated_at": since})
	}

	rows, err := query.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, s.wrap("list clusters", err)
	}
	defer rows.Close()

	var out []domain.StoryCluster
	for rows.Next() {
		c, scanErr := scanCluster(rows)
		if scanErr != nil {
			return nil, s.wrap("scan cluster", scanErr)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate clusters", err)
	}
	return out, nil
}

// Members lists the memberships currently owned by clusterID.
func (s *SQLStore) Members(ctx context.Context, clusterID int64) ([]domain.Membership, error) {
	rows, err := s.sb.
		Select("doc_id", "cluster_id", "source", "published_at").
		From("cluster_members").
		Where(sq.Eq{"cluster_id": clusterID}).
		OrderBy("doc_id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, s.wrap("list members", err)
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.DocID, &m.ClusterID, &m.Source, &m.PublishedAt); err != nil {
			return nil, s.wrap("scan member", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate members", err)
	}
	return out, nil
}

// TryClaim reserves docID unless a committed marker exists or another worker
// holds a pending claim inside its lease.
func (s *SQLStore) TryClaim(ctx context.Context, docID string) (bool, error) {
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock().UTC()

		var state string
		err := s.sb.
			Select("state").
			From("processed_markers").
			Where(sq.Eq{"doc_id": docID}).
			RunWith(tx).
			QueryRowContext(ctx).
			Scan(&state)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = s.sb.
				Insert("processed_markers").
				Columns("doc_id", "state", "claimed_at").
				Values(docID, markerPending, now).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return err
			}
			claimed = true
		case err != nil:
			return err
		case state == markerCommitted:
			claimed = false
		default:
			// Take over a pending claim only once its lease expired; a
			// younger claim belongs to an in-flight assignment.
			res, err := s.sb.
				Update("processed_markers").
				Set("claimed_at", now).
				Where(sq.Eq{"doc_id": docID, "state": markerPending}).
				Where(sq.Lt{"claimed_at": now.Add(-claimLease)}).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			claimed = affected > 0
		}
		return nil
	})
	if err != nil {
		return false, s.wrap("try claim", err)
	}
	return claimed, nil
}

// ReleaseClaim drops a pending claim. Committed markers are never released.
func (s *SQLStore) ReleaseClaim(ctx context.Context, docID string) error {
	_, err := s.sb.
		Delete("processed_markers").
		Where(sq.Eq{"doc_id": docID, "state": markerPending}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return s.wrap("release claim", err)
	}
	return nil
}

// CreateCluster opens a new cluster with doc as its sole member.
func (s *SQLStore) CreateCluster(ctx context.Context, doc domain.Document) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		insert, args, err := s.sb.
			Insert("story_clusters").
			Columns("headline", "representative", "status", "member_count",
				"created_at", "updated_at").
			Values(truncateHeadline(doc.Title), encodeVector(doc.Vector),
				string(domain.StatusOpen), 1, doc.PublishedAt, doc.PublishedAt).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, insert, args...).Scan(&id); err != nil {
			return err
		}
		return s.commitDocTx(ctx, tx, id, doc)
	})
	if err != nil {
		return 0, s.wrap("create cluster", err)
	}
	return id, nil
}

// Attach adds doc to clusterID and installs the updated representative. An
// update that matches no OPEN live row is a conflict; the caller re-runs the
// whole assignment.
func (s *SQLStore) Attach(ctx context.Context, clusterID int64, doc domain.Document, repr []float32) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.sb.
			Update("story_clusters").
			Set("representative", encodeVector(repr)).
			Set("member_count", sq.Expr("member_count + 1")).
			Set("updated_at", sq.Expr("CASE WHEN updated_at > ? THEN updated_at ELSE ? END",
				doc.PublishedAt, doc.PublishedAt)).
			Where(sq.Eq{"id": clusterID, "status": string(domain.StatusOpen)}).
			Where("absorbed_into IS NULL").
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("cluster %d no longer accepts members: %w",
				clusterID, domain.ErrConflict)
		}
		return s.commitDocTx(ctx, tx, clusterID, doc)
	})
	if err != nil {
		return s.wrap("attach", err)
	}
	return nil
}

// Merge collapses absorbed into survivorID, redirects their memberships, and
// attaches doc to the survivor. Already-absorbed ids are skipped.
func (s *SQLStore) Merge(ctx context.Context, survivorID int64, absorbed []int64, doc domain.Document, repr []float32) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var gained int
		for _, id := range absorbed {
			var count int
			err := s.sb.
				Select("member_count").
				From("story_clusters").
				Where(sq.Eq{"id": id}).
				Where("absorbed_into IS NULL").
				RunWith(tx).
				QueryRowContext(ctx).
				Scan(&count)
			if errors.Is(err, sql.ErrNoRows) {
				continue // already absorbed by an earlier call
			}
			if err != nil {
				return err
			}

			_, err = s.sb.
				Update("story_clusters").
				Set("absorbed_into", survivorID).
				Set("status", string(domain.StatusClosed)).
				Set("member_count", 0).
				Where(sq.Eq{"id": id}).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return err
			}

			_, err = s.sb.
				Update("cluster_members").
				Set("cluster_id", survivorID).
				Where(sq.Eq{"cluster_id": id}).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return err
			}
			gained += count
		}

		res, err := s.sb.
			Update("story_clusters").
			Set("representative", encodeVector(repr)).
			Set("member_count", sq.Expr("member_count + ?", gained+1)).
			Set("updated_at", sq.Expr("CASE WHEN updated_at > ? THEN updated_at ELSE ? END",
				doc.PublishedAt, doc.PublishedAt)).
			Where(sq.Eq{"id": survivorID}).
			Where("absorbed_into IS NULL").
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("survivor %d already absorbed: %w", survivorID, domain.ErrConflict)
		}
		return s.commitDocTx(ctx, tx, survivorID, doc)
	})
	if err != nil {
		return s.wrap("merge", err)
	}
	return nil
}

// Close transitions an OPEN cluster to CLOSED. Idempotent.
func (s *SQLStore) Close(ctx context.Context, clusterID int64) error {
	_, err := s.sb.
		Update("story_clusters").
		Set("status", string(domain.StatusClosed)).
		Where(sq.Eq{"id": clusterID}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return s.wrap("close cluster", err)
	}
	return nil
}

// RecentVectors returns document vectors published at or after since, for
// the cold-start index rebuild.
func (s *SQLStore) RecentVectors(ctx context.Context, since time.Time) ([]domain.Document, error) {
	rows, err := s.sb.
		Select("doc_id", "embedding", "dim", "published_at").
		From("document_vectors").
		Where(sq.GtOrEq{"published_at": since}).
		OrderBy("doc_id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, s.wrap("load recent vectors", err)
	}
	defer rows.Close()

	var out []domain.Document
	for rows.Next() {
		var (
			doc domain.Document
			raw []byte
			dim int
		)
		if err := rows.Scan(&doc.ID, &raw, &dim, &doc.PublishedAt); err != nil {
			return nil, s.wrap("scan vector", err)
		}
		vec, err := decodeVector(raw, dim)
		if err != nil {
			return nil, err
		}
		doc.Vector = vec
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate vectors", err)
	}
	return out, nil
}

// MarkExported records the export timestamp for the given clusters.
func (s *SQLStore) MarkExported(ctx context.Context, clusterIDs []int64) error {
	if len(clusterIDs) == 0 {
		return nil
	}
	_, err := s.sb.
		Update("story_clusters").
		Set("exported_at", s.clock().UTC()).
		Where(sq.Eq{"id": clusterIDs}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return s.wrap("mark exported", err)
	}
	return nil
}

// commitDocTx writes the membership, the vector, and flips the marker to
// committed inside the assignment transaction.
func (s *SQLStore) commitDocTx(ctx context.Context, tx *sql.Tx, clusterID int64, doc domain.Document) error {
	memberSQL := `INSERT INTO cluster_members (doc_id, cluster_id, source, published_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (doc_id) DO UPDATE SET cluster_id = EXCLUDED.cluster_id`
	vectorSQL := `INSERT INTO document_vectors (doc_id, embedding, dim, published_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (doc_id) DO UPDATE SET embedding = EXCLUDED.embedding, dim = EXCLUDED.dim`

	if _, err := tx.ExecContext(ctx, s.placeholders(memberSQL, 4),
		doc.ID, clusterID, doc.Source, doc.PublishedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.placeholders(vectorSQL, 4),
		doc.ID, encodeVector(doc.Vector), len(doc.Vector), doc.PublishedAt); err != nil {
		return err
	}

	res, err := s.sb.
		Update("processed_markers").
		Set("state", markerCommitted).
		Where(sq.Eq{"doc_id": doc.ID}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: committing %s without a claim", domain.ErrCorruption, doc.ID)
	}
	return nil
}

// placeholders renders positional markers for the driver into a raw SQL
// template with %s slots.
func (s *SQLStore) placeholders(template string, n int) string {
	args := make([]any, n)
	for i := range args {
		if s.driver == driverPostgres {
			args[i] = fmt.Sprintf("$%d", i+1)
		} else {
			args[i] = "?"
		}
	}
	return fmt.Sprintf(template, args...)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCluster(row rowScanner) (domain.StoryCluster, error) {
	var (
		c            domain.StoryCluster
		status       string
		raw          []byte
		absorbedInto sql.NullInt64
		exportedAt   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Headline, &raw, &status, &c.MemberCount,
		&c.CreatedAt, &c.UpdatedAt, &absorbedInto, &exportedAt)
	if err != nil {
		return domain.StoryCluster{}, err
	}

	if len(raw)%4 != 0 {
		return domain.StoryCluster{}, fmt.Errorf("%w: representative blob of %d bytes",
			domain.ErrCorruption, len(raw))
	}
	vec, err := decodeVector(raw, len(raw)/4)
	if err != nil {
		return domain.StoryCluster{}, err
	}

	c.Representative = vec
	c.Status = domain.ClusterStatus(status)
	if absorbedInto.Valid {
		c.AbsorbedInto = absorbedInto.Int64
	}
	c.Exported = exportedAt.Valid
	return c, nil
}

// wrap classifies driver errors into the engine's error kinds.
func (s *SQLStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrCorruption) ||
		errors.Is(err, domain.ErrClusterNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure and deadlock_detected are retryable.
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return fmt.Errorf("%s: %v: %w", op, err, domain.ErrConflict)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrTransient)
	}

	return fmt.Errorf("%s: %w", op, err)
}
