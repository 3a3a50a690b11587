package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/nadmax/turbine/internal/orchestrator"
)

func startTestDaemon(t *testing.T) (*Daemon, *Client, string) {
	t.Helper()
	base := t.TempDir()

	orch, err := orchestrator.New(base)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	d := New(base, orch)
	go func() {
		if err := d.ServeUnix(context.Background()); err != nil {
			t.Logf("ServeUnix returned: %v", err)
		}
	}()

	client := NewClient(base)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.Ping(context.Background()); err == nil {
			return d, client, base
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon never became reachable")
	return nil, nil, ""
}

func TestDaemonPingAndShutdown(t *testing.T) {
	d, client, _ := startTestDaemon(t)
	defer d.Shutdown(context.Background())

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	list, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("List() = %v, want empty on a fresh base path", list)
	}
}

func TestDaemonGetUnknownContainer(t *testing.T) {
	d, client, _ := startTestDaemon(t)
	defer d.Shutdown(context.Background())

	if _, err := client.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown container id")
	}
}

func TestDaemonShutdownIsIdempotent(t *testing.T) {
	d, client, _ := startTestDaemon(t)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	d.Shutdown(context.Background())
	d.Shutdown(context.Background())
}

func TestDaemonRefusesSecondInstanceOnSameBasePath(t *testing.T) {
	d, client, base := startTestDaemon(t)
	defer d.Shutdown(context.Background())

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	orch2, err := orchestrator.New(base)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	defer orch2.Close()

	second := New(base, orch2)
	err = second.ServeUnix(context.Background())
	if err == nil {
		t.Fatal("expected second ServeUnix on the same base path to fail to acquire the lock")
	}
}
