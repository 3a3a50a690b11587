package regdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndLoadAll(t *testing.T) {
	store := openTestStore(t)

	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "alpine:latest"
	c := registry.New(cfg, "/var/lib/turbine")
	c.State = registry.StateRunning
	c.LeaderPID = 4242
	started := time.Now().UTC().Truncate(time.Second)
	c.StartedAt = &started

	if err := store.Upsert(c); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("LoadAll() returned %d records, want 1", len(loaded))
	}
	got := loaded[0]
	if got.ID != c.ID || got.Config.Name != "web" || got.State != registry.StateRunning || got.LeaderPID != 4242 {
		t.Fatalf("LoadAll() = %+v, want fields matching %+v", got, c)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("LoadAll() StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.StoppedAt != nil {
		t.Fatalf("LoadAll() StoppedAt = %v, want nil", got.StoppedAt)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "alpine:latest"
	c := registry.New(cfg, "/var/lib/turbine")

	if err := store.Upsert(c); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	c.State = registry.StateStopped
	if err := store.Upsert(c); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("LoadAll() returned %d records, want 1 after re-upsert", len(loaded))
	}
	if loaded[0].State != registry.StateStopped {
		t.Fatalf("LoadAll() state = %v, want %v", loaded[0].State, registry.StateStopped)
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)

	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "alpine:latest"
	c := registry.New(cfg, "/var/lib/turbine")
	if err := store.Upsert(c); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Delete(c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("LoadAll() returned %d records after Delete, want 0", len(loaded))
	}
}
