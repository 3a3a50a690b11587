package registry

import (
	"testing"

	"github.com/nadmax/turbine/internal/config"
)

func TestRegistryLifecycle(t *testing.T) {
	cases := map[string]struct {
		op func(t *testing.T, r *Registry, c *Container)
	}{
		"register then get succeeds": {
			op: func(t *testing.T, r *Registry, c *Container) {
				if err := r.Register(c); err != nil {
					t.Fatalf("register: %v", err)
				}
				got, err := r.Get(c.ID)
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if got.ID != c.ID {
					t.Fatalf("got id %s, want %s", got.ID, c.ID)
				}
			},
		},
		"duplicate register fails": {
			op: func(t *testing.T, r *Registry, c *Container) {
				if err := r.Register(c); err != nil {
					t.Fatalf("first register: %v", err)
				}
				if err := r.Register(c); err == nil {
					t.Fatal("expected error registering duplicate id")
				}
			},
		},
		"remove drops record": {
			op: func(t *testing.T, r *Registry, c *Container) {
				r.Register(c)
				r.Remove(c.ID)
				if _, err := r.Get(c.ID); err == nil {
					t.Fatal("expected not-found after remove")
				}
			},
		},
		"find by name matches": {
			op: func(t *testing.T, r *Registry, c *Container) {
				r.Register(c)
				found, ok := r.FindByName(c.Config.Name)
				if !ok || found.ID != c.ID {
					t.Fatal("expected FindByName to locate the record")
				}
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := New()
			cfg := config.Default()
			cfg.Name = "web"
			cfg.Image = "./img"
			c := New2(cfg)
			tc.op(t, r, c)
		})
	}
}

// New2 is a test-only helper constructing a Container without requiring a
// base path on disk.
func New2(cfg config.ContainerConfig) *Container {
	return New(cfg, "/tmp/turbine-test")
}

func TestStateMachineInvariants(t *testing.T) {
	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "./img"
	c := New(cfg, "/tmp/turbine-test")

	if c.LeaderPID != 0 || c.IsRunning() {
		t.Fatal("new container must start Created with no pid")
	}

	c.SetPID(123)
	c.SetState(StateRunning)
	if c.StartedAt == nil {
		t.Fatal("entering Running must set started_at")
	}
	if !c.IsRunning() {
		t.Fatal("expected running")
	}

	c.SetState(StateStopped)
	if c.StoppedAt == nil {
		t.Fatal("entering Stopped must set stopped_at")
	}
	if c.LeaderPID != 0 {
		t.Fatal("entering Stopped must clear leader_pid")
	}
}
