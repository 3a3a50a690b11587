package config

import (
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	base := func() ContainerConfig {
		cfg := Default()
		cfg.Name = "web"
		cfg.Image = "alpine:latest"
		return cfg
	}

	cases := map[string]struct {
		mutate  func(*ContainerConfig)
		wantErr bool
	}{
		"valid default":    {mutate: func(c *ContainerConfig) {}, wantErr: false},
		"empty name":       {mutate: func(c *ContainerConfig) { c.Name = "  " }, wantErr: true},
		"empty image":      {mutate: func(c *ContainerConfig) { c.Image = "" }, wantErr: true},
		"zero host port":   {mutate: func(c *ContainerConfig) { c.Ports = []PortMapping{{HostPort: 0, ContainerPort: 80}} }, wantErr: true},
		"missing volume":   {mutate: func(c *ContainerConfig) { c.Volumes = []VolumeMount{{HostPath: "/does/not/exist", ContainerPath: "/data"}} }, wantErr: true},
		"uid0 without root": {mutate: func(c *ContainerConfig) {
			zero := uint32(0)
			c.UID = &zero
		}, wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateVolumeExists(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Name = "web"
	cfg.Image = "alpine:latest"
	cfg.Volumes = []VolumeMount{{HostPath: dir, ContainerPath: "/data"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected existing host path to validate, got %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Name = "roundtrip"
	cfg.Image = "alpine:latest"
	cfg.Command = []string{"/bin/sh", "-c", "sleep 1"}
	cfg.Ports = []PortMapping{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}}

	path := filepath.Join(t.TempDir(), "container.toml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != cfg.Name || got.Image != cfg.Image {
		t.Fatalf("Load() = %+v, want name/image from %+v", got, cfg)
	}
	if len(got.Ports) != 1 || got.Ports[0].HostPort != 8080 {
		t.Fatalf("Load() ports = %+v, want one mapping with host_port 8080", got.Ports)
	}
}

func TestSetRootUser(t *testing.T) {
	cfg := Default()
	cfg.SetRootUser()
	if cfg.User != "root" || cfg.UID == nil || *cfg.UID != 0 || cfg.GID == nil || *cfg.GID != 0 {
		t.Fatalf("SetRootUser() = %+v, want root/0/0", cfg)
	}
}

func TestAddGroupsDedupesAndSorts(t *testing.T) {
	cfg := Default()
	cfg.AddGroups(30, 10, 20, 10)
	want := []uint32{10, 20, 30}
	if len(cfg.Groups) != len(want) {
		t.Fatalf("Groups = %v, want %v", cfg.Groups, want)
	}
	for i, g := range want {
		if cfg.Groups[i] != g {
			t.Fatalf("Groups = %v, want %v", cfg.Groups, want)
		}
	}
}

func TestSetWebDefaults(t *testing.T) {
	cfg := Default()
	cfg.SetWebDefaults(8080)
	if len(cfg.Ports) != 1 || cfg.Ports[0].HostPort != 8080 || cfg.Ports[0].ContainerPort != 8080 {
		t.Fatalf("SetWebDefaults ports = %+v", cfg.Ports)
	}
	if cfg.Environment["PORT"] != "8080" || cfg.Environment["NODE_ENV"] != "production" {
		t.Fatalf("SetWebDefaults environment = %+v", cfg.Environment)
	}
	if cfg.RestartPolicy != RestartAlways {
		t.Fatalf("SetWebDefaults restart policy = %v, want %v", cfg.RestartPolicy, RestartAlways)
	}
}
