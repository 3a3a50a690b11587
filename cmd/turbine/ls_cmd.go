package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/nadmax/turbine/internal/daemon"
)

// LsCmd lists every container the daemon knows about.
type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	containers, err := client.List(cctx.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tIMAGE\tPID\t")
	for _, c := range containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t\n", c.ID, c.Config.Name, c.State, c.Config.Image, c.LeaderPID)
	}
	return w.Flush()
}

// LogsCmd prints captured stdout/stderr for a container whose leader has
// exited on its own; a container stopped with stop has no logs left.
type LogsCmd struct {
	ID string `arg:"" help:"id of the container"`
}

func (c *LogsCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	stdout, stderr, err := client.Logs(cctx.Context, c.ID)
	if err != nil {
		return err
	}
	fmt.Print(stdout)
	fmt.Fprint(os.Stderr, stderr)
	return nil
}

// StatsCmd prints memory/cpu/uptime for a running container.
type StatsCmd struct {
	ID string `arg:"" help:"id of the container"`
}

func (c *StatsCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	stats, err := client.Stats(cctx.Context, c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("container: %s\nmemory_bytes: %d\ncpu_seconds: %.2f\nuptime_seconds: %d\n",
		stats.ContainerID, stats.MemoryBytes, stats.CPUSeconds, stats.UptimeSec)
	return nil
}
