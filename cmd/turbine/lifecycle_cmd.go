package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nadmax/turbine/internal/daemon"
)

// StartCmd starts one or more containers.
type StartCmd struct {
	ID []string `arg:"" help:"ids of the containers to start"`
}

func (c *StartCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	return forEachID(c.ID, func(id string) error { return client.Start(cctx.Context, id) })
}

// StopCmd stops one or more containers, or every container with --all.
type StopCmd struct {
	ID    []string `arg:"" optional:"" help:"ids of the containers to stop"`
	All   bool      `short:"a" help:"stop every container"`
	Force bool      `short:"f" help:"send SIGKILL immediately instead of waiting for graceful shutdown"`
}

func (c *StopCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	ids, err := resolveIDs(cctx, client, c.ID, c.All)
	if err != nil {
		return err
	}
	return forEachID(ids, func(id string) error { return client.Stop(cctx.Context, id, c.Force) })
}

// RestartCmd stops then starts a container.
type RestartCmd struct {
	ID []string `arg:"" help:"ids of the containers to restart"`
}

func (c *RestartCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	return forEachID(c.ID, func(id string) error { return client.Restart(cctx.Context, id) })
}

// PauseCmd suspends a running container's leader with SIGSTOP.
type PauseCmd struct {
	ID []string `arg:"" help:"ids of the containers to pause"`
}

func (c *PauseCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	return forEachID(c.ID, func(id string) error { return client.Pause(cctx.Context, id) })
}

// ResumeCmd resumes a paused container's leader with SIGCONT.
type ResumeCmd struct {
	ID []string `arg:"" help:"ids of the containers to resume"`
}

func (c *ResumeCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	return forEachID(c.ID, func(id string) error { return client.Resume(cctx.Context, id) })
}

// RmCmd removes one or more containers, or every container with --all.
type RmCmd struct {
	ID    []string `arg:"" optional:"" help:"ids of the containers to remove"`
	All   bool      `help:"remove every container"`
	Force bool      `short:"f" help:"remove a running container by stopping it first"`
}

func (c *RmCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	ids, err := resolveIDs(cctx, client, c.ID, c.All)
	if err != nil {
		return err
	}
	return forEachID(ids, func(id string) error { return client.Remove(cctx.Context, id, c.Force) })
}

// CleanupCmd force-removes every container and tears down the bridge.
type CleanupCmd struct{}

func (c *CleanupCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	return client.Cleanup(cctx.Context)
}

// resolveIDs expands --all into the daemon's current container list,
// otherwise returns explicit as given.
func resolveIDs(cctx *Context, client *daemon.Client, explicit []string, all bool) ([]string, error) {
	if !all {
		return explicit, nil
	}
	containers, err := client.List(cctx.Context)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// forEachID runs action for every id concurrently and prints the id on
// success, returning the first error encountered, if any.
func forEachID(ids []string, action func(id string) error) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := action(id); err != nil {
				slog.Error("action failed", "id", id, "error", err)
				errCh <- err
				return
			}
			fmt.Println(id)
		}(id)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}
