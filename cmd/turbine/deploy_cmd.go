package main

import (
	"fmt"

	"github.com/nadmax/turbine/internal/daemon"
)

// DeployCmd is the deploy_web_app convenience path: it creates a
// container with web-friendly defaults already applied and starts it
// in one step.
type DeployCmd struct {
	Name  string `arg:"" help:"name for the container"`
	Image string `required:"" placeholder:"<path>" help:"absolute or \"./\"-prefixed path to the container image root"`
	Port  uint16 `required:"" help:"host port to publish, mapped to container port 8080"`
}

func (c *DeployCmd) Run(cctx *Context) error {
	client := daemon.NewClient(cctx.BasePath)
	id, err := client.DeployWebApp(cctx.Context, c.Name, c.Image, c.Port)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
