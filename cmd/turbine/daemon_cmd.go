package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/nadmax/turbine/internal/daemon"
	"github.com/nadmax/turbine/internal/orchestrator"
)

// DaemonCmd starts, stops, restarts, or reports the status of the
// turbine daemon for --base-path.
type DaemonCmd struct {
	Action     string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"start, stop, restart, or status (default)"`
	Foreground bool   `help:"run the daemon in this process instead of detaching (used internally by EnsureDaemon)"`
}

func (c *DaemonCmd) Run(cctx *Context) error {
	switch c.Action {
	case "start":
		return c.start(cctx)
	case "stop":
		return c.stop(cctx)
	case "restart":
		return c.restart(cctx)
	default:
		return c.status(cctx)
	}
}

func (c *DaemonCmd) status(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	if err := client.Ping(cctx.Context); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	fmt.Println("daemon is running")
	return nil
}

func (c *DaemonCmd) start(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	if err := client.Ping(cctx.Context); err == nil {
		fmt.Println("daemon is already running")
		return nil
	}

	if c.Foreground {
		orch, err := orchestrator.New(cctx.BasePath)
		if err != nil {
			return err
		}
		if err := orch.Initialize(cctx.Context); err != nil {
			return err
		}
		d := daemon.New(cctx.BasePath, orch)
		return d.ServeUnix(context.Background())
	}

	return daemon.EnsureDaemon(cctx.Context, cctx.BasePath)
}

func (c *DaemonCmd) stop(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	if err := client.Shutdown(cctx.Context); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	fmt.Println("daemon stopped")
	return nil
}

func (c *DaemonCmd) restart(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	if err := client.Ping(cctx.Context); err == nil {
		if err := client.Shutdown(cctx.Context); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		fmt.Println("daemon stopped")
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, "daemon", "start", "--base-path", cctx.BasePath, "--foreground")
	cmd.Stdout, cmd.Stderr, cmd.Stdin = nil, nil, nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	socketPath := cctx.BasePath + "/turbine.sock"
	for i := 0; i < 50; i++ {
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			fmt.Println("daemon restarted successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon failed to restart")
}
