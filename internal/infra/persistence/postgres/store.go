// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics while snapshotting committed state into JSONB buckets.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"nimbus/internal/infra/persistence/memory"
	"nimbus/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/nimbus?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var postgresBuckets = []string{"experiments", "changelogs", "isolation_groups", "bucket_ranges"}

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
// Every commit advances a revision counter with a compare-and-swap so that two
// processes sharing one database cannot silently overwrite each other.
type Store struct {
	*memory.Store
	db       *sql.DB
	revision int64
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the snapshot tables exist and hydrates the in-memory store from any existing snapshot.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTables(ctx, db); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	s.Store = memory.NewStore(engine, append(opts, memory.WithCommitHook(s.persist))...)
	snapshot, revision, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	s.revision = revision
	s.ImportState(snapshot)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Revision returns the last revision this process committed or loaded.
func (s *Store) Revision() int64 { return s.revision }

func ensureTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nimbus_state (
			bucket TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nimbus_meta (
			id INTEGER PRIMARY KEY,
			revision BIGINT NOT NULL
		)`,
		`INSERT INTO nimbus_meta(id,revision) VALUES($1,$2) ON CONFLICT(id) DO NOTHING`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.ExecContext(ctx, stmt, 1, 0)
		} else {
			_, err = db.ExecContext(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, int64, error) {
	var revision int64
	if err := db.QueryRowContext(ctx, `SELECT revision FROM nimbus_meta WHERE id = 1`).Scan(&revision); err != nil {
		return memory.Snapshot{}, 0, fmt.Errorf("select revision: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM nimbus_state`)
	if err != nil {
		return memory.Snapshot{}, 0, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := map[string]any{
		"experiments":      &snapshot.Experiments,
		"changelogs":       &snapshot.ChangeLogs,
		"isolation_groups": &snapshot.IsolationGroups,
		"bucket_ranges":    &snapshot.BucketRanges,
	}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, 0, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, 0, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, 0, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, revision, nil
}

func encodeBucket(snapshot memory.Snapshot, bucket string) ([]byte, error) {
	switch bucket {
	case "experiments":
		return json.Marshal(snapshot.Experiments)
	case "changelogs":
		return json.Marshal(snapshot.ChangeLogs)
	case "isolation_groups":
		return json.Marshal(snapshot.IsolationGroups)
	case "bucket_ranges":
		return json.Marshal(snapshot.BucketRanges)
	default:
		return nil, fmt.Errorf("unknown bucket %s", bucket)
	}
}

// persist runs inside the memory store's commit critical section.
func (s *Store) persist(ctx context.Context, snapshot memory.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	next := s.revision + 1
	res, err := tx.ExecContext(ctx, `UPDATE nimbus_meta SET revision = $1 WHERE id = 1 AND revision = $2`, next, s.revision)
	if err != nil {
		return fmt.Errorf("advance revision: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("advance revision: %w", err)
	} else if n == 0 {
		return fmt.Errorf("postgres revision %d: %w", s.revision, domain.ErrStaleRead)
	}
	for _, bucket := range postgresBuckets {
		data, err := encodeBucket(snapshot, bucket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO nimbus_state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	s.revision = next
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
