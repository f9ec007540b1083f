package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/expkit/experimenter/experiment"
)

const (
	schema_SNAPSHOTS = `
		CREATE TABLE IF NOT EXISTS experiment_snapshots (
			revision     bigint not null,
			payload      text not null,
			created_at   timestamp with time zone,

			PRIMARY KEY(revision)
		)`
	query_ADD_SNAPSHOT = `
		INSERT INTO experiment_snapshots (revision, payload, created_at)
		VALUES ($1, $2, $3)`
	query_LATEST_SNAPSHOT = `
		SELECT revision, payload FROM experiment_snapshots
		ORDER BY revision DESC LIMIT 1`
	query_SNAPSHOT_BY_REVISION = `
		SELECT revision, payload FROM experiment_snapshots
		WHERE revision = $1`
)

// SQLStore persists snapshots in a SQL database, one row per saved revision.
// Older revisions are kept, so any saved state can be recovered.
type SQLStore struct {
	db *sql.DB
}

var _ Store = &SQLStore{}

// NewSQLStore wraps an open database handle and creates the snapshot table if
// it does not exist.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(schema_SNAPSHOTS); err != nil {
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// NewPostgresStore opens a Postgres connection from the DSN and returns a
// SQLStore backed by it.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	return NewSQLStore(db)
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Save persists the set at its current revision.
func (s *SQLStore) Save(ctx context.Context, set experiment.Set) error {
	payload, err := experiment.Serialize(set)
	if err != nil {
		return fmt.Errorf("failed to serialize set: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query_ADD_SNAPSHOT, int64(set.Revision), string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	return nil
}

// Latest returns the snapshot with the highest stored revision.
func (s *SQLStore) Latest(ctx context.Context) (experiment.Set, error) {
	return s.querySet(ctx, query_LATEST_SNAPSHOT)
}

// AtRevision returns the snapshot saved at the given revision.
func (s *SQLStore) AtRevision(ctx context.Context, revision uint64) (experiment.Set, error) {
	return s.querySet(ctx, query_SNAPSHOT_BY_REVISION, int64(revision))
}

func (s *SQLStore) querySet(ctx context.Context, qry string, args ...any) (experiment.Set, error) {
	rows, err := s.db.QueryContext(ctx, qry, args...)
	if err != nil {
		return experiment.Set{}, err
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return experiment.Set{}, err
		}

		return experiment.Set{}, ErrNoSnapshots
	}

	var (
		revision int64
		payload  string
	)
	if err := rows.Scan(&revision, &payload); err != nil {
		return experiment.Set{}, err
	}

	set, err := experiment.Deserialize([]byte(payload))
	if err != nil {
		return experiment.Set{}, fmt.Errorf("failed to deserialize snapshot at revision %d: %w", revision, err)
	}

	return set, nil
}
