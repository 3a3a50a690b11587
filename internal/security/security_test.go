package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/registry"
)

func TestValidateResourceLimits(t *testing.T) {
	m := New()
	cases := map[string]struct {
		r       config.ResourceLimits
		wantErr bool
	}{
		"within policy":        {r: config.ResourceLimits{MemoryMB: 512, CPUQuota: 1.0, MaxProcesses: 256}, wantErr: false},
		"memory over ceiling":  {r: config.ResourceLimits{MemoryMB: 4096}, wantErr: true},
		"cpu over ceiling":     {r: config.ResourceLimits{CPUQuota: 2.0}, wantErr: true},
		"processes over limit": {r: config.ResourceLimits{MaxProcesses: 1024}, wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.validateResourceLimits(tc.r)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateVolumesRestrictedPath(t *testing.T) {
	m := New()
	err := m.validateVolumes([]config.VolumeMount{{HostPath: "/etc/passwd", ContainerPath: "/etc/passwd", ReadOnly: true}})
	if err == nil {
		t.Fatal("expected restricted-path error for /etc/passwd")
	}
}

func TestValidateVolumesWritableOK(t *testing.T) {
	dir := t.TempDir()
	m := New()
	if err := m.validateVolumes([]config.VolumeMount{{HostPath: dir, ContainerPath: "/data"}}); err != nil {
		t.Fatalf("expected writable temp dir to pass: %v", err)
	}
}

func TestValidateNetworkSecurityPortFloor(t *testing.T) {
	m := New()
	if err := m.validateNetworkSecurity([]config.PortMapping{{HostPort: 80, ContainerPort: 8080}}); err == nil {
		t.Fatal("expected error for host_port below 1024")
	}
	if err := m.validateNetworkSecurity([]config.PortMapping{{HostPort: 8080, ContainerPort: 8080}}); err != nil {
		t.Fatalf("expected host_port 8080 to pass: %v", err)
	}
}

func TestSanitizeEnvironment(t *testing.T) {
	m := New()
	in := map[string]string{
		"LD_PRELOAD":       "/etc/evil.so",
		"LD_LIBRARY_PATH":  "/usr/lib/evil",
		"SAFE_VAR":         "keep-me",
	}
	out := m.SanitizeEnvironment(in)
	if _, ok := out["LD_PRELOAD"]; ok {
		t.Fatal("expected LD_PRELOAD referencing /etc to be removed")
	}
	if _, ok := out["LD_LIBRARY_PATH"]; ok {
		t.Fatal("expected LD_LIBRARY_PATH referencing /usr to be removed")
	}
	if out["SAFE_VAR"] != "keep-me" {
		t.Fatal("expected unrelated vars to survive")
	}
	if out["TURBINE_CONTAINER"] != "true" || out["TURBINE_ROOTLESS"] != "true" || out["HOME"] != "/app" {
		t.Fatal("expected runtime markers to be inserted")
	}
}

func TestValidateImageSecurity(t *testing.T) {
	m := New()
	cases := map[string]struct {
		image   string
		wantErr bool
	}{
		"absolute ok":       {"/var/lib/images/web", false},
		"relative dot ok":   {"./img", false},
		"traversal rejected": {"./../etc", true},
		"bare relative rejected": {"img", true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.ValidateImageSecurity(tc.image)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestWriteUserNamespaceMapsUnwritablePid(t *testing.T) {
	// WriteUserNamespaceMaps targets /proc/<pid>/uid_map directly; pid 1
	// (init), whose maps an unprivileged test process cannot write, must
	// surface an error rather than panic.
	err := WriteUserNamespaceMaps(1, 1000, 2000, 1000, 3000)
	if err == nil {
		t.Skip("running as a user that can write /proc/1/uid_map; nothing to assert")
	}
}

func TestValidateUIDGID(t *testing.T) {
	m := New()
	u := func(v uint32) *uint32 { return &v }
	cases := map[string]struct {
		uid, gid *uint32
		wantErr  bool
	}{
		"nil ok":           {nil, nil, false},
		"uid within ceiling": {u(1000), nil, false},
		"gid within ceiling": {nil, u(1000), false},
		"uid over ceiling":   {u(65536), nil, true},
		"gid over ceiling":   {nil, u(65536), true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.ValidateUIDGID(tc.uid, tc.gid)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateContainerSecurityRejectsUIDOverCeiling(t *testing.T) {
	m := New()
	cfg := config.Default()
	cfg.Name = "web"
	cfg.Image = "./img"
	over := uint32(70000)
	cfg.UID = &over
	c := registry.New(cfg, t.TempDir())
	if err := m.ValidateContainerSecurity(c); err == nil {
		t.Fatal("expected uid over the policy ceiling to be rejected")
	}
}

func TestSetupSecureFilesystem(t *testing.T) {
	m := New()
	root := t.TempDir()
	for _, d := range []string{"proc", "sys", "dev", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := m.SetupSecureFilesystem(root); err != nil {
		t.Fatalf("SetupSecureFilesystem: %v", err)
	}
	for _, d := range []string{"proc", "sys", "dev"} {
		info, err := os.Stat(filepath.Join(root, d))
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if info.Mode().Perm() != 0o555 {
			t.Errorf("%s mode = %o, want 0555", d, info.Mode().Perm())
		}
	}
	info, err := os.Stat(filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("stat tmp: %v", err)
	}
	if info.Mode().Perm() != 0o1777 {
		t.Errorf("tmp mode = %o, want 1777", info.Mode().Perm())
	}
}

func TestSetupSecureFilesystemMissingDirsIsNotAnError(t *testing.T) {
	m := New()
	if err := m.SetupSecureFilesystem(t.TempDir()); err != nil {
		t.Fatalf("expected missing subdirs to be tolerated, got %v", err)
	}
}
