package main

import (
	"fmt"

	"github.com/nadmax/turbine/internal/daemon"
)

// ExecCmd runs a command inside a running container.
type ExecCmd struct {
	ID          string   `arg:"" help:"id of the container"`
	Command     []string `arg:"" passthrough:"" help:"command and args to run"`
	Interactive bool     `short:"i" help:"attach a pty for an interactive session"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	out, err := client.Exec(cctx.Context, c.ID, c.Command, c.Interactive)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
