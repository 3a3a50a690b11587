package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	kongcompletion "github.com/jotaen/kong-completion"

	"github.com/nadmax/turbine/internal/daemon"
)

// Context is handed to every subcommand's Run method.
type Context struct {
	BasePath string
	Context  context.Context
}

const description = `Run lightweight rootless Linux containers without a daemon dependency on cgroups.

A single turbine daemon process owns the in-memory runtime state for a
given --base-path; this CLI starts one on demand and talks to it over a
Unix socket.`

// CLI is the root kong command tree.
type CLI struct {
	BasePath string `default:"/tmp/turbine" placeholder:"<dir>" help:"root directory for container roots, the registry database, and the daemon socket"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`

	Create  CreateCmd  `cmd:"" help:"create a container"`
	Start   StartCmd   `cmd:"" help:"start a created or stopped container"`
	Stop    StopCmd    `cmd:"" help:"stop a running container"`
	Restart RestartCmd `cmd:"" help:"restart a container"`
	Pause   PauseCmd   `cmd:"" help:"pause a running container"`
	Resume  ResumeCmd  `cmd:"" help:"resume a paused container"`
	Rm      RmCmd      `cmd:"" help:"remove a container"`
	Ls      LsCmd      `cmd:"" help:"list containers"`
	Logs    LogsCmd    `cmd:"" help:"show captured stdout/stderr for a container whose leader has exited"`
	Exec    ExecCmd    `cmd:"" help:"execute a command in a running container"`
	Stats   StatsCmd   `cmd:"" help:"show memory/cpu/uptime for a running container"`
	Deploy  DeployCmd  `cmd:"" help:"create and start a web container with sane defaults"`
	Cleanup CleanupCmd `cmd:"" help:"force-remove every container and tear down the network bridge"`
	Daemon  DaemonCmd  `cmd:"" help:"start, stop, restart, or check the status of the turbine daemon"`
	Network NetworkCmd `cmd:"" help:"inspect network allocation state"`
	Doc     DocCmd     `cmd:"" help:"print complete command help formatted as markdown"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

func (c *CLI) initSlog(cctx *kong.Context) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Description(description),
		kong.UsageOnError())
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog(kctx)

	if err := os.MkdirAll(cli.BasePath, 0o755); err != nil {
		kctx.FatalIfErrorf(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd := kctx.Command()
	needsDaemon := !strings.HasPrefix(cmd, "daemon") && !strings.HasPrefix(cmd, "completion") &&
		cmd != "doc" && cmd != "version"
	if needsDaemon {
		if err := verifyPrerequisites(ctx, "linux", "user-namespaces", "namespace-tools"); err != nil {
			kctx.FatalIfErrorf(fmt.Errorf("prerequisites check failed: %w", err))
		}
	}
	if needsDaemon {
		if err := daemon.EnsureDaemon(ctx, cli.BasePath); err != nil {
			kctx.FatalIfErrorf(err)
		}
	}

	err = kctx.Run(&Context{
		BasePath: cli.BasePath,
		Context:  ctx,
	})
	kctx.FatalIfErrorf(err)
}
