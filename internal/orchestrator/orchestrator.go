// Package orchestrator implements the Runtime Orchestrator (C9): the
// public façade that enforces state-machine transitions and coordinates
// the Filesystem, Security, Network, and Process managers under a
// strict Registry → Network → Process lock order.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/fsmanager"
	"github.com/nadmax/turbine/internal/netmgr"
	"github.com/nadmax/turbine/internal/procmgr"
	"github.com/nadmax/turbine/internal/regdb"
	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/security"
	"github.com/nadmax/turbine/internal/taskpool"
	"github.com/nadmax/turbine/internal/turbineerr"
)

// stopStartGap is the pause restart() inserts between stop and start.
const stopStartGap = time.Second

// Orchestrator is the single long-lived owner of a turbine runtime for
// one --base-path. A daemon process (internal/daemon) holds exactly one
// of these and serves every CLI request from it.
type Orchestrator struct {
	basePath string

	regMu sync.RWMutex
	reg   *registry.Registry

	netMu sync.RWMutex
	net   *netmgr.Manager

	procMu sync.RWMutex
	proc   *procmgr.Manager

	fs       *fsmanager.Manager
	sec      *security.Manager
	store    *regdb.Store
	names    namegenerator.Generator
	teardown *taskpool.Pool
}

// New constructs an Orchestrator rooted at basePath, opening (or
// creating) its SQLite registry store and rehydrating any persisted
// Container records.
func New(basePath string) (*Orchestrator, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, turbineerr.Wrap(turbineerr.KindRuntime, err, "creating base path")
	}
	store, err := regdb.Open(basePath + "/registry.db")
	if err != nil {
		return nil, err
	}
	sec := security.New()
	o := &Orchestrator{
		basePath: basePath,
		reg:      registry.New(),
		net:      netmgr.New("turbine0"),
		proc:     procmgr.New(sec),
		fs:       fsmanager.New(basePath),
		sec:      sec,
		store:    store,
		names:    namegenerator.NewNameGenerator(time.Now().UnixNano()),
		teardown: taskpool.New(4),
	}
	if err := o.rehydrate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) rehydrate() error {
	records, err := o.store.LoadAll()
	if err != nil {
		return err
	}
	o.regMu.Lock()
	defer o.regMu.Unlock()
	for _, c := range records {
		// A container that was Running when the daemon last exited has
		// no live leader handle anymore; its true state is unknown, so
		// it is surfaced as Stopped rather than falsely Running.
		if c.State == registry.StateRunning || c.State == registry.StatePaused {
			c.SetState(registry.StateStopped)
		}
		o.reg.Register(c)
	}
	return nil
}

// Initialize creates the base path and sets up the network bridge (a
// no-op in slirp4netns mode).
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(o.basePath, 0o755); err != nil {
		return turbineerr.Wrap(turbineerr.KindRuntime, err, "creating base path")
	}
	o.netMu.RLock()
	defer o.netMu.RUnlock()
	return o.net.SetupBridge()
}

// Close releases the durable store handle.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

// undoStep is one reversible action performed during Create.
type undoStep func()

// Create validates cfg, assembles the container's filesystem and
// network resources, and registers it in state Created. Any failure
// unwinds the undo stack in reverse order and the container is never
// registered.
func (o *Orchestrator) Create(ctx context.Context, cfg config.ContainerConfig) (string, error) {
	if cfg.Name == "" {
		cfg.Name = o.names.Generate()
	}

	env := o.sec.SanitizeEnvironment(cfg.Environment)
	cfg.Environment = env

	if err := o.sec.ValidateImageSecurity(cfg.Image); err != nil {
		return "", err
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	c := registry.New(cfg, o.basePath)
	if err := o.sec.ValidateContainerSecurity(c); err != nil {
		return "", err
	}

	o.regMu.Lock()
	if o.reg.HasActiveName(cfg.Name) {
		o.regMu.Unlock()
		return "", turbineerr.Newf(turbineerr.KindContainer, "a container named %s already exists", cfg.Name)
	}
	o.regMu.Unlock()

	var undo []undoStep
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	if err := o.fs.CreateContainerRoot(c); err != nil {
		rollback()
		return "", err
	}
	undo = append(undo, func() { o.fs.CleanupContainer(c, o.warn(ctx)) })

	if err := o.sec.SetupSecureFilesystem(c.RootPath); err != nil {
		rollback()
		return "", err
	}

	if err := o.fs.SetupVolumes(c); err != nil {
		rollback()
		return "", err
	}
	if err := o.fs.CreateWorkingDirectory(c); err != nil {
		rollback()
		return "", err
	}

	o.netMu.Lock()
	err := o.net.SetupContainerNetwork(c)
	o.netMu.Unlock()
	if err != nil {
		rollback()
		return "", err
	}
	undo = append(undo, func() {
		o.netMu.Lock()
		o.net.CleanupContainerNetwork(c)
		o.netMu.Unlock()
	})

	o.regMu.Lock()
	err = o.reg.Register(c)
	o.regMu.Unlock()
	if err != nil {
		rollback()
		return "", err
	}
	if err := o.store.Upsert(c); err != nil {
		o.regMu.Lock()
		o.reg.Remove(c.ID)
		o.regMu.Unlock()
		rollback()
		return "", err
	}

	return c.ID, nil
}

func (o *Orchestrator) warn(ctx context.Context) func(string, ...any) {
	return func(format string, args ...any) {
		slog.WarnContext(ctx, fmt.Sprintf(format, args...))
	}
}

// Start transitions a Created or Stopped container to Running.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	o.regMu.Lock()
	c, err := o.reg.GetMut(id)
	if err != nil {
		o.regMu.Unlock()
		return err
	}
	if c.State != registry.StateCreated && c.State != registry.StateStopped {
		o.regMu.Unlock()
		return turbineerr.Newf(turbineerr.KindContainer, "container is %s, only a created or stopped container can be started", c.State)
	}
	if _, statErr := os.Stat(c.RootPath); statErr != nil {
		o.regMu.Unlock()
		return turbineerr.New(turbineerr.KindContainer, "container root is missing, container must be recreated")
	}
	snapshot := c.Clone()
	o.regMu.Unlock()

	if err := o.sec.ValidateContainerSecurity(snapshot); err != nil {
		return err
	}

	var slirpForwards []procmgr.PortForward
	if o.net.Mode() == netmgr.ModeSlirp4netns {
		o.netMu.RLock()
		for _, f := range o.net.PendingSlirpForwards(id) {
			slirpForwards = append(slirpForwards, procmgr.PortForward{HostPort: f.HostPort, ContainerPort: f.ContainerPort})
		}
		o.netMu.RUnlock()
	}

	o.procMu.Lock()
	pid, startErr := o.proc.StartContainer(ctx, snapshot, snapshot.Config.Environment, slirpForwards)
	o.procMu.Unlock()
	if startErr != nil {
		return startErr
	}

	o.regMu.Lock()
	defer o.regMu.Unlock()
	c, err = o.reg.GetMut(id)
	if err != nil {
		return err
	}
	c.SetPID(pid)
	c.SetState(registry.StateRunning)
	return o.store.Upsert(c)
}

// Stop transitions a Running or Paused container to Stopped.
func (o *Orchestrator) Stop(ctx context.Context, id string, force bool) error {
	o.regMu.Lock()
	c, err := o.reg.GetMut(id)
	if err != nil {
		o.regMu.Unlock()
		return err
	}
	if !c.IsRunning() && c.State != registry.StatePaused {
		o.regMu.Unlock()
		return turbineerr.New(turbineerr.KindContainer, "container is not running")
	}
	o.regMu.Unlock()

	o.procMu.Lock()
	stopErr := o.proc.StopContainer(id, force)
	o.procMu.Unlock()
	if stopErr != nil {
		return stopErr
	}

	o.regMu.Lock()
	defer o.regMu.Unlock()
	c, err = o.reg.GetMut(id)
	if err != nil {
		return err
	}
	c.SetState(registry.StateStopped)
	return o.store.Upsert(c)
}

// Restart stops (gracefully), waits stopStartGap, then starts again.
func (o *Orchestrator) Restart(ctx context.Context, id string) error {
	if err := o.Stop(ctx, id, false); err != nil {
		return err
	}
	select {
	case <-time.After(stopStartGap):
	case <-ctx.Done():
		return ctx.Err()
	}
	return o.Start(ctx, id)
}

// Pause sends SIGSTOP to a Running container's leader.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	o.regMu.Lock()
	c, err := o.reg.GetMut(id)
	if err != nil {
		o.regMu.Unlock()
		return err
	}
	if !c.IsRunning() {
		o.regMu.Unlock()
		return turbineerr.New(turbineerr.KindContainer, "container is not running")
	}
	o.regMu.Unlock()

	if err := o.proc.PauseContainer(id); err != nil {
		return err
	}

	o.regMu.Lock()
	defer o.regMu.Unlock()
	c, err = o.reg.GetMut(id)
	if err != nil {
		return err
	}
	c.State = registry.StatePaused
	return o.store.Upsert(c)
}

// Resume sends SIGCONT to a Paused container's leader.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	o.regMu.Lock()
	c, err := o.reg.GetMut(id)
	if err != nil {
		o.regMu.Unlock()
		return err
	}
	if c.State != registry.StatePaused {
		o.regMu.Unlock()
		return turbineerr.New(turbineerr.KindContainer, "container is not paused")
	}
	o.regMu.Unlock()

	if err := o.proc.ResumeContainer(id); err != nil {
		return err
	}

	o.regMu.Lock()
	defer o.regMu.Unlock()
	c, err = o.reg.GetMut(id)
	if err != nil {
		return err
	}
	c.State = registry.StateRunning
	return o.store.Upsert(c)
}

// Remove tears down a container's network and filesystem resources and
// drops it from the registry. A failure mid-teardown leaves the record
// in place with state=Error(msg) so a retry (with force) can pick up
// where it left off, instead of losing track of the container.
func (o *Orchestrator) Remove(ctx context.Context, id string, force bool) error {
	o.regMu.RLock()
	c, err := o.reg.Get(id)
	if err != nil {
		o.regMu.RUnlock()
		return err
	}
	running := c.IsRunning()
	snapshot := c.Clone()
	o.regMu.RUnlock()

	if running && !force {
		return turbineerr.New(turbineerr.KindContainer, "container is running, use force to remove a running container")
	}
	if running {
		if err := o.Stop(ctx, id, true); err != nil {
			o.markError(id, err.Error())
			return err
		}
	}

	o.netMu.Lock()
	netErr := o.net.CleanupContainerNetwork(snapshot)
	o.netMu.Unlock()
	if netErr != nil {
		o.markError(id, netErr.Error())
		return netErr
	}

	if err := o.fs.CleanupContainer(snapshot, o.warn(ctx)); err != nil {
		o.markError(id, err.Error())
		return err
	}

	o.regMu.Lock()
	o.reg.Remove(id)
	o.regMu.Unlock()
	return o.store.Delete(id)
}

func (o *Orchestrator) markError(id, msg string) {
	o.regMu.Lock()
	defer o.regMu.Unlock()
	if c, err := o.reg.GetMut(id); err == nil {
		c.SetError(msg)
		o.store.Upsert(c)
	}
}

// List returns every registered Container record.
func (o *Orchestrator) List(ctx context.Context) []*registry.Container {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	return o.reg.List()
}

// Get returns a single Container record by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*registry.Container, error) {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	return o.reg.Get(id)
}

// Logs returns captured (stdout, stderr) for a stopped leader.
func (o *Orchestrator) Logs(ctx context.Context, id string) (string, string, error) {
	o.regMu.RLock()
	_, err := o.reg.Get(id)
	o.regMu.RUnlock()
	if err != nil {
		return "", "", err
	}
	return o.proc.GetContainerLogs(id)
}

// Exec runs command inside a running container and returns its stdout.
func (o *Orchestrator) Exec(ctx context.Context, id string, command []string, interactive bool) (string, error) {
	o.regMu.RLock()
	c, err := o.reg.Get(id)
	if err != nil {
		o.regMu.RUnlock()
		return "", err
	}
	if !c.IsRunning() {
		o.regMu.RUnlock()
		return "", turbineerr.New(turbineerr.KindContainer, "container is not running")
	}
	snapshot := c.Clone()
	o.regMu.RUnlock()

	return o.proc.ExecuteInContainer(ctx, snapshot, command, interactive)
}

// Stats returns memory/cpu/uptime for a running container's leader.
type Stats struct {
	ContainerID string
	MemoryBytes uint64
	CPUSeconds  float64
	UptimeSec   int64
}

// GetStats reads /proc/<pid>/{status,stat} for a running container.
func (o *Orchestrator) GetStats(ctx context.Context, id string) (Stats, error) {
	o.regMu.RLock()
	c, err := o.reg.Get(id)
	if err != nil {
		o.regMu.RUnlock()
		return Stats{}, err
	}
	if !c.IsRunning() {
		o.regMu.RUnlock()
		return Stats{}, turbineerr.New(turbineerr.KindContainer, "container is not running")
	}
	pid := c.LeaderPID
	var uptime int64
	if c.StartedAt != nil {
		uptime = int64(time.Since(*c.StartedAt).Seconds())
	}
	o.regMu.RUnlock()

	ps, err := procmgr.GetStats(pid)
	if err != nil {
		return Stats{}, err
	}
	return Stats{ContainerID: id, MemoryBytes: ps.MemoryBytes, CPUSeconds: ps.CPUSeconds, UptimeSec: uptime}, nil
}

// NetworkInfo reports the addresses allocated to a container and the
// manager's current wiring mode.
type NetworkInfo struct {
	ContainerID string
	Mode        string
	Addresses   []string
}

// GetNetworkInfo returns the allocated addresses for id.
func (o *Orchestrator) GetNetworkInfo(ctx context.Context, id string) (NetworkInfo, error) {
	o.regMu.RLock()
	_, err := o.reg.Get(id)
	o.regMu.RUnlock()
	if err != nil {
		return NetworkInfo{}, err
	}

	o.netMu.RLock()
	defer o.netMu.RUnlock()
	ips := o.net.AllocatedIPs(id)
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	mode := "bridge"
	if o.net.Mode() == netmgr.ModeSlirp4netns {
		mode = "slirp4netns"
	}
	return NetworkInfo{ContainerID: id, Mode: mode, Addresses: addrs}, nil
}

// CreateWebContainer builds a ContainerConfig with web defaults applied.
func (o *Orchestrator) CreateWebContainer(ctx context.Context, name, image string, port uint16) (string, error) {
	cfg := config.Default()
	cfg.Name = name
	cfg.Image = image
	cfg.SetWebDefaults(port)
	return o.Create(ctx, cfg)
}

// DeployWebApp creates and immediately starts a web container.
func (o *Orchestrator) DeployWebApp(ctx context.Context, name, image string, port uint16) (string, error) {
	id, err := o.CreateWebContainer(ctx, name, image, port)
	if err != nil {
		return "", err
	}
	if err := o.Start(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Cleanup force-stops every running leader, removes every container, and
// tears down the bridge. It is idempotent: calling it twice in a row is
// equivalent to calling it once, since each step is itself a no-op on
// already-absent state.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	o.procMu.Lock()
	_ = o.proc.CleanupAll()
	o.procMu.Unlock()

	o.regMu.RLock()
	containers := o.reg.List()
	o.regMu.RUnlock()

	for _, c := range containers {
		id := c.ID
		o.teardown.Submit(ctx, id, func(ctx context.Context) error {
			return o.Remove(ctx, id, true)
		})
	}
	if err := o.teardown.Wait(); err != nil {
		return err
	}

	o.netMu.Lock()
	defer o.netMu.Unlock()
	return o.net.CleanupBridge()
}
