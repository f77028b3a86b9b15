package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"nimbus/pkg/domain"
)

func createExperiment(store *Store, slug string) error {
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateExperiment(domain.Experiment{Slug: slug, Name: slug, Application: domain.ApplicationFenix})
		return e
	})
	return err
}

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.DB().Close() })
	if err := createExperiment(store, "persist"); err != nil {
		t.Fatalf("create: %v", err)
	}
	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.DB().Close() })
	if got := len(reloaded.ListExperiments()); got != 1 {
		t.Fatalf("expected 1 experiment, got %d", got)
	}
	if reloaded.Revision() != 1 || reloaded.Path() != path {
		t.Fatalf("unexpected reload metadata: revision=%d path=%s", reloaded.Revision(), reloaded.Path())
	}
}

func TestSQLiteStoreDetectsStaleWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	first, err := NewStore(path, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = first.DB().Close() })
	second, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	t.Cleanup(func() { _ = second.DB().Close() })

	if err := createExperiment(first, "first"); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if err := createExperiment(second, "second"); !errors.Is(err, domain.ErrStaleRead) {
		t.Fatalf("expected ErrStaleRead, got %v", err)
	}
	if len(second.ListExperiments()) != 0 {
		t.Fatalf("stale writer must keep its previous state")
	}

	retried, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = retried.DB().Close() })
	if err := createExperiment(retried, "second"); err != nil {
		t.Fatalf("retry after reload: %v", err)
	}
	if got := len(retried.ListExperiments()); got != 2 {
		t.Fatalf("expected 2 experiments after retry, got %d", got)
	}
}

func TestSQLiteStoreCreatesTables(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.DB().Close() })
	for _, table := range []string{"state", "nimbus_meta"} {
		var name string
		if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name= ?", table).Scan(&name); err != nil {
			t.Fatalf("lookup %s table: %v", table, err)
		}
	}
}
