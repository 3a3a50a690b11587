package main

import (
	"fmt"
	"log/slog"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/daemon"
)

// CreateCmd builds a ContainerConfig from flags and asks the daemon to
// create (but not start) a container from it.
type CreateCmd struct {
	Name       string   `arg:"" optional:"" help:"name for the container; a random name is generated if omitted"`
	Image      string   `required:"" placeholder:"<path>" help:"absolute or \"./\"-prefixed path to the container image root"`
	Command    []string `help:"command to run as the container leader" default:"/bin/sh"`
	WorkingDir string   `default:"/app" help:"working directory inside the container"`
	Memory     uint64   `default:"512" help:"memory limit in MB"`
	CPU        float64  `default:"1.0" help:"cpu quota, as a fraction of one core"`
	HostPort   uint16   `help:"publish a container port on the host"`
	ContainerPort uint16 `help:"container port to publish, used with --host-port"`
}

func (c *CreateCmd) Run(cctx *Context) error {
	cfg := config.Default()
	cfg.Name = c.Name
	cfg.Image = c.Image
	if len(c.Command) > 0 {
		cfg.Command = c.Command
	}
	cfg.WorkingDir = c.WorkingDir
	cfg.Resources.MemoryMB = c.Memory
	cfg.Resources.CPUQuota = c.CPU
	if c.HostPort != 0 {
		cfg.Ports = append(cfg.Ports, config.PortMapping{HostPort: c.HostPort, ContainerPort: c.ContainerPort, Protocol: "tcp"})
	}

	client := daemon.NewClient(cctx.BasePath)
	id, err := client.Create(cctx.Context, cfg)
	if err != nil {
		slog.ErrorContext(cctx.Context, "create", "error", err)
		return err
	}
	fmt.Println(id)
	return nil
}
