// Package config defines ContainerConfig, the immutable per-container
// specification the runtime consumes, its defaults, and its validation.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/nadmax/turbine/internal/turbineerr"
)

// RestartPolicy describes how an external supervisor should react to the
// container leader exiting. The runtime records it but never acts on it.
type RestartPolicy string

const (
	RestartNever         RestartPolicy = "never"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on_failure"
	RestartUnlessStopped RestartPolicy = "unless_stopped"
)

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostPort      uint16 `toml:"host_port"`
	ContainerPort uint16 `toml:"container_port"`
	Protocol      string `toml:"protocol"`
}

// VolumeMount bind-mounts a host path into the container root.
type VolumeMount struct {
	HostPath      string `toml:"host_path"`
	ContainerPath string `toml:"container_path"`
	ReadOnly      bool   `toml:"readonly"`
}

// ResourceLimits caps the rlimits the Security Manager will apply.
type ResourceLimits struct {
	MemoryMB     uint64  `toml:"memory_mb"`
	CPUQuota     float64 `toml:"cpu_quota"`
	DiskMB       uint64  `toml:"disk_mb"`
	MaxProcesses uint64  `toml:"max_processes"`
}

// NetworkConfig describes how a container attaches to the network.
type NetworkConfig struct {
	Bridge   string   `toml:"bridge,omitempty"`
	DNS      []string `toml:"dns"`
	Hostname string   `toml:"hostname,omitempty"`
}

// ContainerConfig is the full, validated specification of a container.
// It is immutable once passed to Orchestrator.Create: the orchestrator
// works from a deep-copied snapshot.
type ContainerConfig struct {
	Name          string            `toml:"name"`
	Image         string            `toml:"image"`
	Command       []string          `toml:"command"`
	WorkingDir    string            `toml:"working_dir,omitempty"`
	Environment   map[string]string `toml:"environment"`
	Ports         []PortMapping     `toml:"ports"`
	Volumes       []VolumeMount     `toml:"volumes"`
	Resources     ResourceLimits    `toml:"resources"`
	Network       NetworkConfig     `toml:"network"`
	User          string            `toml:"user,omitempty"`
	UID           *uint32           `toml:"uid,omitempty"`
	GID           *uint32           `toml:"gid,omitempty"`
	Groups        []uint32          `toml:"groups,omitempty"`
	RestartPolicy RestartPolicy     `toml:"restart_policy"`
}

// Default returns a ContainerConfig seeded with the same defaults as the
// reference implementation: a shell command, /app working directory, and
// a conservative rootless-friendly resource profile.
func Default() ContainerConfig {
	return ContainerConfig{
		Command:    []string{"/bin/sh"},
		WorkingDir: "/app",
		Environment: map[string]string{},
		Resources: ResourceLimits{
			MemoryMB:     512,
			CPUQuota:     1.0,
			DiskMB:       1024,
			MaxProcesses: 256,
		},
		Network: NetworkConfig{
			DNS: []string{"8.8.8.8", "8.8.4.4"},
		},
		RestartPolicy: RestartNever,
	}
}

// Load reads and parses a TOML-encoded ContainerConfig from path,
// overlaying it onto Default() so omitted fields keep their defaults.
func Load(path string) (ContainerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContainerConfig{}, turbineerr.Wrapf(turbineerr.KindIO, err, "reading config %s", path)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ContainerConfig{}, turbineerr.Wrapf(turbineerr.KindSerialization, err, "parsing config %s", path)
	}
	return cfg, nil
}

// Save writes cfg as TOML to path.
func Save(cfg ContainerConfig, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindSerialization, err, "encoding config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return turbineerr.Wrapf(turbineerr.KindIO, err, "writing config %s", path)
	}
	return nil
}

// Validate applies the pure, I/O-light checks the Config component owns.
// Policy checks (resource ceilings, restricted paths, port floors) belong
// to the Security Manager, not here.
func (c *ContainerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return turbineerr.New(turbineerr.KindConfig, "name must not be empty")
	}
	if strings.TrimSpace(c.Image) == "" {
		return turbineerr.New(turbineerr.KindConfig, "image must not be empty")
	}
	for _, p := range c.Ports {
		if p.HostPort == 0 || p.ContainerPort == 0 {
			return turbineerr.New(turbineerr.KindConfig, "port mapping must have non-zero host and container ports")
		}
	}
	for _, v := range c.Volumes {
		if _, err := os.Stat(v.HostPath); err != nil {
			return turbineerr.Newf(turbineerr.KindConfig, "volume host path %s does not exist", v.HostPath)
		}
	}
	if c.UID != nil && *c.UID == 0 && c.User != "root" {
		return turbineerr.New(turbineerr.KindConfig, "uid=0 requires user to be \"root\"")
	}
	return nil
}

// SetUser sets the named user and, if provided, numeric uid/gid.
func (c *ContainerConfig) SetUser(name string, uid, gid *uint32) {
	c.User = name
	c.UID = uid
	c.GID = gid
}

// SetRootUser configures the container to run as root.
func (c *ContainerConfig) SetRootUser() {
	zero := uint32(0)
	c.SetUser("root", &zero, &zero)
}

// AddGroups appends supplementary gids, keeping the set sorted and unique.
func (c *ContainerConfig) AddGroups(gids ...uint32) {
	c.Groups = append(c.Groups, gids...)
	sort.Slice(c.Groups, func(i, j int) bool { return c.Groups[i] < c.Groups[j] })
	out := c.Groups[:0]
	var last uint32
	first := true
	for _, g := range c.Groups {
		if first || g != last {
			out = append(out, g)
		}
		last, first = g, false
	}
	c.Groups = out
}

// SetWebDefaults configures the config for the deploy_web_app convenience
// path: publish port on the host, point it at container port 8080,
// set PORT/NODE_ENV, always-restart, and fill in a lighter resource
// profile where the caller hasn't already set one.
func (c *ContainerConfig) SetWebDefaults(port uint16) {
	c.Ports = append(c.Ports, PortMapping{HostPort: port, ContainerPort: 8080, Protocol: "tcp"})
	if c.Environment == nil {
		c.Environment = map[string]string{}
	}
	c.Environment["PORT"] = "8080"
	c.Environment["NODE_ENV"] = "production"
	c.RestartPolicy = RestartAlways
	if c.Resources.MemoryMB == 0 {
		c.Resources.MemoryMB = 256
	}
	if c.Resources.CPUQuota == 0 {
		c.Resources.CPUQuota = 0.5
	}
}

// String renders a config for log lines without dumping the full struct.
func (c ContainerConfig) String() string {
	return fmt.Sprintf("ContainerConfig{name=%s image=%s command=%v}", c.Name, c.Image, c.Command)
}
