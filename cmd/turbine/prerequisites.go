package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/nadmax/turbine/internal/security"
)

type diagnosticCheck struct {
	ID          string
	Description string
	Run         func(context.Context) error
}

var (
	requiredBinaries = []string{"unshare", "nsenter", "mount", "prlimit"}

	diagnosticChecks = []diagnosticCheck{
		{
			ID:          "linux",
			Description: "Running on Linux",
			Run: func(ctx context.Context) error {
				if runtime.GOOS != "linux" {
					return fmt.Errorf("turbine requires Linux, but detected OS: %s", runtime.GOOS)
				}
				return nil
			},
		},
		{
			ID:          "user-namespaces",
			Description: "Unprivileged user namespaces are available",
			Run: func(ctx context.Context) error {
				if !security.UserNamespaceAvailable() {
					return errors.New("unprivileged user namespaces are not available on this host; rootless containers cannot be created")
				}
				return nil
			},
		},
		{
			ID:          "namespace-tools",
			Description: "unshare, nsenter, mount, and prlimit are on PATH",
			Run: func(ctx context.Context) error {
				var missing []string
				for _, bin := range requiredBinaries {
					if _, err := exec.LookPath(bin); err != nil {
						missing = append(missing, bin)
					}
				}
				if len(missing) > 0 {
					return fmt.Errorf("missing required binaries: %v", missing)
				}
				return nil
			},
		},
		{
			ID:          "slirp4netns",
			Description: "slirp4netns is on PATH (when present, container networking uses it instead of the netlink bridge)",
			Run: func(ctx context.Context) error {
				if _, err := exec.LookPath("slirp4netns"); err != nil {
					return errors.New("slirp4netns not found; falling back to bridge networking only")
				}
				return nil
			},
		},
	}
	diagnosticCheckMap = map[string]diagnosticCheck{}
)

func init() {
	for _, check := range diagnosticChecks {
		diagnosticCheckMap[check.ID] = check
	}
}

// verifyPrerequisites runs the named diagnostic checks and joins every
// failure into a single error. Checks not in checkIDs are skipped.
func verifyPrerequisites(ctx context.Context, checkIDs ...string) error {
	failures := map[string]string{}
	for _, checkID := range checkIDs {
		check, ok := diagnosticCheckMap[checkID]
		if !ok {
			failures[checkID] = "unrecognized prerequisite check ID"
			continue
		}
		if err := check.Run(ctx); err != nil {
			failures[check.ID] = err.Error()
			slog.ErrorContext(ctx, "diagnosticCheck failed", "name", check.Description, "error", err)
		} else {
			slog.DebugContext(ctx, "diagnosticCheck passed", "name", check.Description)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failures))
	for id, reason := range failures {
		errs = append(errs, fmt.Errorf("check failed %q: %s", id, reason))
	}
	return errors.Join(errs...)
}
