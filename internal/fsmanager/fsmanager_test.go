package fsmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/registry"
)

func TestCreateContainerRoot(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "./img"
	c := registry.New(cfg, base)

	cases := map[string]struct {
		check func(t *testing.T)
	}{
		"creates standard subdirectories": {
			check: func(t *testing.T) {
				for _, d := range rootSubdirs {
					if _, err := os.Stat(filepath.Join(c.RootPath, d)); err != nil {
						t.Fatalf("missing subdir %s: %v", d, err)
					}
				}
			},
		},
		"seeds resolv.conf from config dns": {
			check: func(t *testing.T) {
				data, err := os.ReadFile(filepath.Join(c.RootPath, "etc/resolv.conf"))
				if err != nil {
					t.Fatal(err)
				}
				want := "nameserver 8.8.8.8\nnameserver 8.8.4.4\n"
				if string(data) != want {
					t.Fatalf("resolv.conf = %q, want %q", data, want)
				}
			},
		},
		"seeds passwd/group/hosts": {
			check: func(t *testing.T) {
				passwd, _ := os.ReadFile(filepath.Join(c.RootPath, "etc/passwd"))
				if string(passwd) != "turbine:x:1000:1000:Turbine User:/app:/bin/sh\n" {
					t.Fatalf("unexpected passwd contents: %q", passwd)
				}
				group, _ := os.ReadFile(filepath.Join(c.RootPath, "etc/group"))
				if string(group) != "turbine:x:1000:\n" {
					t.Fatalf("unexpected group contents: %q", group)
				}
				hosts, _ := os.ReadFile(filepath.Join(c.RootPath, "etc/hosts"))
				if string(hosts) != "127.0.0.1 localhost\n::1 localhost\n" {
					t.Fatalf("unexpected hosts contents: %q", hosts)
				}
			},
		},
	}

	m := New(base)
	if err := m.CreateContainerRoot(c); err != nil {
		t.Fatalf("CreateContainerRoot: %v", err)
	}
	for name, tc := range cases {
		t.Run(name, tc.check)
	}
}

func TestCreateContainerRootRejectsExisting(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "./img"
	c := registry.New(cfg, base)
	if err := os.MkdirAll(c.RootPath, 0o755); err != nil {
		t.Fatal(err)
	}

	m := New(base)
	if err := m.CreateContainerRoot(c); err == nil {
		t.Fatal("expected error when root path already exists")
	}
}

func TestCreateWorkingDirectory(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "./img"
	cfg.WorkingDir = "/app"
	c := registry.New(cfg, base)

	m := New(base)
	if err := m.CreateContainerRoot(c); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateWorkingDirectory(c); err != nil {
		t.Fatalf("CreateWorkingDirectory: %v", err)
	}
	info, err := os.Stat(filepath.Join(c.RootPath, "app"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected working dir to be a directory")
	}
}
