// Package sqlite persists the in-memory store to a single SQLite database as
// JSON blobs, one row per entity bucket.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"nimbus/internal/infra/persistence/memory"
	"nimbus/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to a single SQLite table as JSON blobs.
// It snapshots the full state inside every transaction commit and guards the
// write with a revision counter shared by every process using the file.
type Store struct {
	*memory.Store
	db       *sql.DB
	path     string
	revision int64
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = "nimbus.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nimbus_meta (
		id INTEGER PRIMARY KEY,
		revision INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create meta table: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO nimbus_meta(id, revision) VALUES(1, 0)`); err != nil {
		return nil, fmt.Errorf("seed meta table: %w", err)
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, append(opts, memory.WithCommitHook(s.persist))...)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Revision returns the last revision this process committed or loaded.
func (s *Store) Revision() int64 { return s.revision }

var sqliteBuckets = []string{"experiments", "changelogs", "isolation_groups", "bucket_ranges"}

func (s *Store) load() error {
	if err := s.db.QueryRow(`SELECT revision FROM nimbus_meta WHERE id = 1`).Scan(&s.revision); err != nil {
		return fmt.Errorf("select revision: %w", err)
	}
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		switch bucket {
		case "experiments":
			err = json.Unmarshal(payload, &snapshot.Experiments)
		case "changelogs":
			err = json.Unmarshal(payload, &snapshot.ChangeLogs)
		case "isolation_groups":
			err = json.Unmarshal(payload, &snapshot.IsolationGroups)
		case "bucket_ranges":
			err = json.Unmarshal(payload, &snapshot.BucketRanges)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context, snapshot memory.Snapshot) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	next := s.revision + 1
	res, err := tx.ExecContext(ctx, `UPDATE nimbus_meta SET revision = ? WHERE id = 1 AND revision = ?`, next, s.revision)
	if err != nil {
		return fmt.Errorf("advance revision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance revision: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sqlite revision %d: %w", s.revision, domain.ErrStaleRead)
	}
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case "experiments":
			data, err = json.Marshal(snapshot.Experiments)
		case "changelogs":
			data, err = json.Marshal(snapshot.ChangeLogs)
		case "isolation_groups":
			data, err = json.Marshal(snapshot.IsolationGroups)
		case "bucket_ranges":
			data, err = json.Marshal(snapshot.BucketRanges)
		}
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO state(bucket, payload) VALUES(?, ?)
			ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.revision = next
	return nil
}
