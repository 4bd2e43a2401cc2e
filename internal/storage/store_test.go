package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/DobryySoul/gossipstate/internal/envelope"
)

func testEnvelope(id string, ts int64) envelope.Envelope {
	return envelope.Envelope{
		ID:        id,
		Timestamp: ts,
		State:     []byte("state-" + id),
		PublicKey: "pub-" + id,
		Signature: "sig-" + id + "-" + strconv.FormatInt(ts, 10),
	}
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			store, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), "app")
			if err != nil {
				t.Fatalf("open sqlite failed: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func TestStoreSetGet(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			want := testEnvelope("node-a", 10)

			if err := store.Set(ctx, want.ID, want); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			got, err := store.Get(ctx, "node-a")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.Timestamp != 10 || string(got.State) != "state-node-a" {
				t.Fatalf("envelope mismatch: %#v", got)
			}
			if got.PublicKey != want.PublicKey || got.Signature != want.Signature {
				t.Fatalf("key material mismatch: %#v", got)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreSetReplaces(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			_ = store.Set(ctx, "node-a", testEnvelope("node-a", 10))
			_ = store.Set(ctx, "node-a", testEnvelope("node-a", 20))

			size, err := store.Len(ctx)
			if err != nil {
				t.Fatalf("len failed: %v", err)
			}
			if size != 1 {
				t.Fatalf("expected one envelope per id, got %d", size)
			}
			got, _ := store.Get(ctx, "node-a")
			if got.Timestamp != 20 {
				t.Fatalf("timestamp mismatch: %d", got.Timestamp)
			}
		})
	}
}

func TestStoreGetAllRemoveClear(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				if err := store.Set(ctx, id, testEnvelope(id, 1)); err != nil {
					t.Fatalf("set failed: %v", err)
				}
			}

			all, err := store.GetAll(ctx)
			if err != nil {
				t.Fatalf("get all failed: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("get all size mismatch: %d", len(all))
			}

			if err := store.Remove(ctx, "b"); err != nil {
				t.Fatalf("remove failed: %v", err)
			}
			if _, err := store.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected removed envelope to be gone, got %v", err)
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatalf("clear failed: %v", err)
			}
			size, _ := store.Len(ctx)
			if size != 0 {
				t.Fatalf("expected empty store after clear, got %d", size)
			}
		})
	}
}

func TestStoreCanceledContext(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if err := store.Set(ctx, "a", testEnvelope("a", 1)); !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		})
	}
}

func TestMemoryStoreCopiesState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	env := testEnvelope("a", 1)
	_ = store.Set(ctx, "a", env)
	env.State[0] = 'X'

	got, _ := store.Get(ctx, "a")
	if string(got.State) != "state-a" {
		t.Fatalf("store shares caller's state buffer: %s", got.State)
	}
}

func TestSQLiteNamespaceIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := OpenSQLite(path, "app-a")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer a.Close()
	b, err := OpenSQLite(path, "app-b")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	_ = a.Set(ctx, "node", testEnvelope("node", 1))
	if _, err := b.Get(ctx, "node"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("namespaces leaked: %v", err)
	}
	_ = b.Clear(ctx)
	if _, err := a.Get(ctx, "node"); err != nil {
		t.Fatalf("clear crossed namespaces: %v", err)
	}
}

func TestSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite(" ", "app"); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func BenchmarkMemoryStoreSet(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()
	env := testEnvelope("key", 1)
	for b.Loop() {
		_ = store.Set(ctx, "key", env)
	}
}

func BenchmarkMemoryStoreGet(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, "key", testEnvelope("key", 1))
	for b.Loop() {
		_, _ = store.Get(ctx, "key")
	}
}
