package main

import (
	"fmt"
	"strings"

	"github.com/nadmax/turbine/internal/daemon"
)

// NetworkCmd inspects the addresses allocated to a container.
type NetworkCmd struct {
	Inspect NetworkInspectCmd `cmd:"" help:"show allocated addresses and wiring mode for a container"`
}

type NetworkInspectCmd struct {
	ID string `arg:"" help:"id of the container"`
}

func (c *NetworkInspectCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	info, err := client.NetworkInfo(cctx.Context, c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("container: %s\nmode: %s\naddresses: %s\n", info.ContainerID, info.Mode, strings.Join(info.Addresses, ", "))
	return nil
}
