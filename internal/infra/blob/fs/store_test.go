package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"nimbus/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStorePutGetListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "live/alpha.json", []byte("hello"), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "live/alpha.json" || info.Size != 5 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	replaced, err := store.Put(ctx, "live/alpha.json", []byte("hello again"), core.PutOptions{})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replaced.ETag == info.ETag {
		t.Fatalf("expected etag to change")
	}
	got, data, err := store.Get(ctx, "live/alpha.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "hello again" || got.ETag != replaced.ETag {
		t.Fatalf("unexpected get artifacts %q %+v", data, got)
	}
	if _, err := store.Put(ctx, "preview/beta.json", []byte("{}"), core.PutOptions{}); err != nil {
		t.Fatalf("put preview: %v", err)
	}
	list, err := store.List(ctx, "live/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "live/alpha.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	ok, err := store.Delete(ctx, "live/alpha.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "live/alpha.json")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
	if _, _, err := store.Get(ctx, "live/alpha.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"../escape.json", "/abs.json", " "} {
		if _, err := store.Put(ctx, key, []byte("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestStoreLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "live/gamma.json", []byte("{}"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "live"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected data and sidecar only, got %d entries", len(entries))
	}
	if store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected driver")
	}
}
