// Package security validates the rootless security policy, performs the
// user-namespace UID/GID mapping dance, computes the rlimits the Process
// Manager applies, and sanitizes the environment handed to a container
// leader. It is stateless.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/turbineerr"
)

const (
	maxMemoryMB  = 2048
	maxCPUQuota  = 1.0
	maxProcesses = 512
	minHostPort  = 1024
	maxUIDGID    = 65535
)

var restrictedVolumePrefixes = []string{"/etc/passwd", "/etc/shadow", "/etc/group", "/proc", "/sys"}
var dangerousEnvVars = []string{"LD_PRELOAD", "LD_LIBRARY_PATH"}

// Manager validates and enforces the rootless security policy.
type Manager struct{}

// New returns a Manager. It holds no state.
func New() *Manager { return &Manager{} }

// ValidateContainerSecurity runs every policy check against a container's
// config: resource ceilings, volume restrictions, port floors, and the
// uid/gid ceiling.
func (m *Manager) ValidateContainerSecurity(c *registry.Container) error {
	if err := m.validateResourceLimits(c.Config.Resources); err != nil {
		return err
	}
	if err := m.validateVolumes(c.Config.Volumes); err != nil {
		return err
	}
	if err := m.validateNetworkSecurity(c.Config.Ports); err != nil {
		return err
	}
	if err := m.ValidateUIDGID(c.Config.UID, c.Config.GID); err != nil {
		return err
	}
	return nil
}

func (m *Manager) validateResourceLimits(r config.ResourceLimits) error {
	if r.MemoryMB > maxMemoryMB {
		return turbineerr.Newf(turbineerr.KindSecurity, "memory_mb %d exceeds policy ceiling %d", r.MemoryMB, maxMemoryMB)
	}
	if r.CPUQuota > maxCPUQuota {
		return turbineerr.Newf(turbineerr.KindSecurity, "cpu_quota %.2f exceeds policy ceiling %.2f", r.CPUQuota, maxCPUQuota)
	}
	if r.MaxProcesses > maxProcesses {
		return turbineerr.Newf(turbineerr.KindSecurity, "max_processes %d exceeds policy ceiling %d", r.MaxProcesses, maxProcesses)
	}
	return nil
}

func (m *Manager) validateVolumes(volumes []config.VolumeMount) error {
	for _, v := range volumes {
		if isRestrictedPath(v.HostPath) {
			return turbineerr.Newf(turbineerr.KindSecurity, "volume host path %s is restricted", v.HostPath)
		}
		info, err := os.Stat(v.HostPath)
		if err != nil {
			return turbineerr.Wrapf(turbineerr.KindSecurity, err, "volume host path %s is not readable", v.HostPath)
		}
		if !v.ReadOnly {
			if info.Mode().Perm()&0o002 != 0 {
				return turbineerr.Newf(turbineerr.KindSecurity, "volume host path %s is world-writable", v.HostPath)
			}
			probe := filepath.Join(v.HostPath, ".write_test")
			f, err := os.Create(probe)
			if err != nil {
				return turbineerr.Wrapf(turbineerr.KindSecurity, err, "volume host path %s is not writable", v.HostPath)
			}
			f.Close()
			os.Remove(probe)
		}
	}
	return nil
}

func isRestrictedPath(path string) bool {
	for _, p := range restrictedVolumePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (m *Manager) validateNetworkSecurity(ports []config.PortMapping) error {
	for _, p := range ports {
		if p.HostPort < minHostPort {
			return turbineerr.Newf(turbineerr.KindSecurity, "host_port %d is below the policy floor %d", p.HostPort, minHostPort)
		}
	}
	return nil
}

// ValidateImageSecurity rejects traversal and requires an absolute or
// "./"-prefixed image path.
func (m *Manager) ValidateImageSecurity(image string) error {
	if strings.Contains(image, "..") {
		return turbineerr.New(turbineerr.KindSecurity, "image path must not contain \"..\"")
	}
	if !strings.HasPrefix(image, "/") && !strings.HasPrefix(image, "./") {
		return turbineerr.New(turbineerr.KindSecurity, "image path must be absolute or \"./\"-prefixed")
	}
	return nil
}

// SanitizeEnvironment removes dangerous LD_* variables whose value looks
// like a traversal or system-path injection, then inserts the runtime's
// own markers.
func (m *Manager) SanitizeEnvironment(env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+3)
	for k, v := range env {
		out[k] = v
	}
	for _, key := range dangerousEnvVars {
		if v, ok := out[key]; ok {
			if strings.Contains(v, "..") || strings.Contains(v, "/etc") || strings.Contains(v, "/usr") {
				delete(out, key)
			}
		}
	}
	out["TURBINE_CONTAINER"] = "true"
	out["TURBINE_ROOTLESS"] = "true"
	out["HOME"] = "/app"
	return out
}

// ValidateUIDGID enforces the uid/gid ceiling independent of config.Validate's
// uid==0-requires-root check.
func (m *Manager) ValidateUIDGID(uid, gid *uint32) error {
	if uid != nil && *uid > maxUIDGID {
		return turbineerr.Newf(turbineerr.KindSecurity, "uid %d exceeds the policy ceiling %d", *uid, maxUIDGID)
	}
	if gid != nil && *gid > maxUIDGID {
		return turbineerr.Newf(turbineerr.KindSecurity, "gid %d exceeds the policy ceiling %d", *gid, maxUIDGID)
	}
	return nil
}

// Rlimits holds the rlimit values the Process Manager must apply to the
// leader just before exec, per the resource policy.
type Rlimits struct {
	AS     uint64
	NPROC  uint64
	FSIZE  uint64
}

// ComputeRlimits converts the config's resource limits into byte/count
// values for RLIMIT_AS/NPROC/FSIZE.
func (m *Manager) ComputeRlimits(r config.ResourceLimits) Rlimits {
	return Rlimits{
		AS:    r.MemoryMB << 20,
		NPROC: r.MaxProcesses,
		FSIZE: r.DiskMB << 20,
	}
}

// UserNamespaceAvailable reports whether the host supports unprivileged
// user namespace creation, per §4.4.
func UserNamespaceAvailable() bool {
	if _, err := os.Stat("/proc/self/ns/user"); err != nil {
		return false
	}
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		// Some kernels don't expose the knob and always allow it.
		return true
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return true
	}
	return v != 0
}

// WriteUserNamespaceMaps writes the uid_map/setgroups/gid_map files for
// pid in the mandatory order: uid_map, then "deny" to setgroups, then
// gid_map. Writing setgroups=deny before gid_map is required by the
// kernel or the gid_map write is rejected.
func WriteUserNamespaceMaps(pid int, containerUID, hostUID, containerGID, hostGID uint32) error {
	base := fmt.Sprintf("/proc/%d", pid)
	uidMap := fmt.Sprintf("%d %d 1", containerUID, hostUID)
	if err := os.WriteFile(filepath.Join(base, "uid_map"), []byte(uidMap), 0o644); err != nil {
		return turbineerr.Wrap(turbineerr.KindSecurity, err, "writing uid_map")
	}
	if err := os.WriteFile(filepath.Join(base, "setgroups"), []byte("deny"), 0o644); err != nil {
		return turbineerr.Wrap(turbineerr.KindSecurity, err, "writing setgroups")
	}
	gidMap := fmt.Sprintf("%d %d 1", containerGID, hostGID)
	if err := os.WriteFile(filepath.Join(base, "gid_map"), []byte(gidMap), 0o644); err != nil {
		return turbineerr.Wrap(turbineerr.KindSecurity, err, "writing gid_map")
	}
	return nil
}

// SetupSecureFilesystem tightens permissions on the sensitive directories
// of a freshly-created container root: proc/sys/dev readable-only, tmp
// world-writable-with-sticky-bit.
func (m *Manager) SetupSecureFilesystem(rootPath string) error {
	ro := []string{"proc", "sys", "dev"}
	for _, d := range ro {
		if err := os.Chmod(filepath.Join(rootPath, d), 0o555); err != nil && !os.IsNotExist(err) {
			return turbineerr.Wrapf(turbineerr.KindSecurity, err, "securing %s", d)
		}
	}
	if err := os.Chmod(filepath.Join(rootPath, "tmp"), 0o1777); err != nil && !os.IsNotExist(err) {
		return turbineerr.Wrap(turbineerr.KindSecurity, err, "securing tmp")
	}
	return nil
}
