// Package fsmanager builds and tears down the bind-mount-assembled root
// filesystem for a container. It is stateless: every method takes the
// Container record it operates on and needs no lock of its own.
package fsmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/turbineerr"
)

var rootSubdirs = []string{"bin", "etc", "lib", "tmp", "var", "proc", "sys", "dev", "app"}

// Manager assembles and dismantles per-container root filesystem trees
// under a shared base directory.
type Manager struct {
	basePath string
}

// New returns a Manager rooted at basePath.
func New(basePath string) *Manager {
	return &Manager{basePath: basePath}
}

// CreateContainerRoot creates c.RootPath and its standard subdirectories,
// then seeds /etc/resolv.conf, /etc/passwd, /etc/group, and /etc/hosts.
func (m *Manager) CreateContainerRoot(c *registry.Container) error {
	if _, err := os.Stat(c.RootPath); err == nil {
		return turbineerr.Newf(turbineerr.KindFilesystem, "container root %s already exists", c.RootPath)
	}
	if err := os.MkdirAll(c.RootPath, 0o755); err != nil {
		return turbineerr.Wrap(turbineerr.KindFilesystem, err, "creating container root")
	}
	for _, d := range rootSubdirs {
		if err := os.MkdirAll(filepath.Join(c.RootPath, d), 0o755); err != nil {
			return turbineerr.Wrapf(turbineerr.KindFilesystem, err, "creating %s", d)
		}
	}
	return m.setupBasicFiles(c)
}

func (m *Manager) setupBasicFiles(c *registry.Container) error {
	dns := c.Config.Network.DNS
	if len(dns) == 0 {
		dns = []string{"8.8.8.8", "8.8.4.4"}
	}
	var resolv strings.Builder
	for _, ns := range dns {
		fmt.Fprintf(&resolv, "nameserver %s\n", ns)
	}
	files := map[string]string{
		"etc/resolv.conf": resolv.String(),
		"etc/passwd":       "turbine:x:1000:1000:Turbine User:/app:/bin/sh\n",
		"etc/group":        "turbine:x:1000:\n",
		"etc/hosts":        "127.0.0.1 localhost\n::1 localhost\n",
	}
	for rel, contents := range files {
		path := filepath.Join(c.RootPath, rel)
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			return turbineerr.Wrapf(turbineerr.KindFilesystem, err, "writing %s", rel)
		}
	}
	return nil
}

// SetupVolumes bind-mounts every configured volume into the container
// root, in order, creating parent directories as needed. A missing host
// path is a FilesystemError.
func (m *Manager) SetupVolumes(c *registry.Container) error {
	for _, v := range c.Config.Volumes {
		if _, err := os.Stat(v.HostPath); err != nil {
			return turbineerr.Newf(turbineerr.KindFilesystem, "volume host path %s does not exist", v.HostPath)
		}
		target := filepath.Join(c.RootPath, strings.TrimPrefix(v.ContainerPath, "/"))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return turbineerr.Wrapf(turbineerr.KindFilesystem, err, "creating volume parent for %s", v.ContainerPath)
		}
		info, err := os.Stat(v.HostPath)
		if err != nil {
			return turbineerr.Wrap(turbineerr.KindFilesystem, err, "statting volume host path")
		}
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return turbineerr.Wrapf(turbineerr.KindFilesystem, err, "creating mount target %s", target)
			}
		} else {
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return turbineerr.Wrapf(turbineerr.KindFilesystem, err, "creating mount target file %s", target)
			}
			f.Close()
		}
		if err := m.bindMount(v.HostPath, target, v.ReadOnly); err != nil {
			return err
		}
	}
	return nil
}

// bindMount bind-mounts source onto target via the raw mount(2) syscall.
// A read-only bind mount needs two calls: the kernel ignores MS_RDONLY
// on the initial MS_BIND mount and only honors it on a following
// MS_REMOUNT|MS_BIND pass.
func (m *Manager) bindMount(source, target string, readonly bool) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return turbineerr.Wrapf(turbineerr.KindFilesystem, err, "bind mount %s -> %s", source, target)
	}
	if readonly {
		if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return turbineerr.Wrapf(turbineerr.KindFilesystem, err, "read-only remount of %s", target)
		}
	}
	return nil
}

func (m *Manager) unmount(target string) error {
	return unix.Unmount(target, 0)
}

// CreateWorkingDirectory creates config.WorkingDir inside the container
// root with mode 0755.
func (m *Manager) CreateWorkingDirectory(c *registry.Container) error {
	wd := c.Config.WorkingDir
	if wd == "" {
		wd = "/app"
	}
	path := filepath.Join(c.RootPath, strings.TrimPrefix(wd, "/"))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return turbineerr.Wrap(turbineerr.KindFilesystem, err, "creating working directory")
	}
	return os.Chmod(path, 0o755)
}

// CleanupContainer unmounts every configured volume (warning and
// continuing past any umount failure) and then removes the whole root
// tree, if present.
func (m *Manager) CleanupContainer(c *registry.Container, warn func(format string, args ...any)) error {
	for _, v := range c.Config.Volumes {
		target := filepath.Join(c.RootPath, strings.TrimPrefix(v.ContainerPath, "/"))
		if err := m.unmount(target); err != nil && warn != nil {
			warn("umount %s failed: %v", target, err)
		}
	}
	if _, err := os.Stat(c.RootPath); err == nil {
		if err := os.RemoveAll(c.RootPath); err != nil {
			return turbineerr.Wrap(turbineerr.KindFilesystem, err, "removing container root")
		}
	}
	return nil
}
