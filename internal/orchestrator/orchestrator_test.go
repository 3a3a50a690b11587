package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/regdb"
	"github.com/nadmax/turbine/internal/registry"
)

func TestRehydrateDowngradesRunningAndPausedToStopped(t *testing.T) {
	base := t.TempDir()

	store, err := regdb.Open(filepath.Join(base, "registry.db"))
	if err != nil {
		t.Fatalf("regdb.Open: %v", err)
	}
	cfg := config.Default()
	cfg.Name = "was-running"
	cfg.Image = "alpine:latest"
	running := registry.New(cfg, base)
	running.SetState(registry.StateRunning)
	if err := store.Upsert(running); err != nil {
		t.Fatalf("Upsert running: %v", err)
	}

	cfg2 := config.Default()
	cfg2.Name = "was-paused"
	cfg2.Image = "alpine:latest"
	paused := registry.New(cfg2, base)
	paused.State = registry.StatePaused
	if err := store.Upsert(paused); err != nil {
		t.Fatalf("Upsert paused: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	o, err := New(base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	list := o.List(context.Background())
	if len(list) != 2 {
		t.Fatalf("List() returned %d containers, want 2", len(list))
	}
	for _, c := range list {
		if c.State != registry.StateStopped {
			t.Errorf("container %s state = %v, want %v after rehydrate", c.Config.Name, c.State, registry.StateStopped)
		}
	}
}

func TestGetUnknownContainer(t *testing.T) {
	o, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if _, err := o.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown container id")
	}
}

func TestExecOnUnknownContainer(t *testing.T) {
	o, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if _, err := o.Exec(context.Background(), "does-not-exist", []string{"echo", "hi"}, false); err == nil {
		t.Fatal("expected error for unknown container id")
	}
}

func TestStartUnknownContainer(t *testing.T) {
	o, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if err := o.Start(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown container id")
	}
}

func TestGetNetworkInfoUnknownContainer(t *testing.T) {
	o, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if _, err := o.GetNetworkInfo(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown container id")
	}
}

func TestCleanupIsIdempotentWithNoContainers(t *testing.T) {
	o, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if err := o.Cleanup(context.Background()); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if err := o.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}
