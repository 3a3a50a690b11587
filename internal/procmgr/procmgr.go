// Package procmgr spawns container leaders inside unshare+chroot,
// tracks their handles, signals pause/resume/stop, execs into a running
// container via nsenter, and collects captured output. It owns the
// running_processes map; the caller's Process lock (see
// internal/orchestrator) serializes start/stop, and the Manager's own
// mutex guards each read and write of the map.
package procmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/security"
	"github.com/nadmax/turbine/internal/turbineerr"
)

// PortForward is a host/container port pair to register with a
// container's slirp4netns helper once its leader pid is known.
type PortForward struct {
	HostPort      uint16
	ContainerPort uint16
}

// stopTimeout is how long stop(force=false) waits for SIGTERM before
// surfacing a ProcessError.
const stopTimeout = 10 * time.Second

// userNamespaceSyncScript blocks on fd 3 before chrooting and exec'ing
// the container command. unshare --user switches the leader into a new
// user namespace with no uid/gid mapping yet (every id reads as the
// overflow id); reading from fd 3 lets the parent write
// uid_map/setgroups/gid_map first and release the leader by closing its
// end of the pipe, so the container never runs with an unmapped identity.
const userNamespaceSyncScript = `read -r _ <&3; root=$1; shift; exec chroot "$root" "$@"`

// handle is the bookkeeping kept for one running container leader.
type handle struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	done   chan struct{}
	waitErr error
	slirp  *exec.Cmd
}

// Manager tracks one leader process per container id.
type Manager struct {
	mu      sync.Mutex
	running map[string]*handle
	sec     *security.Manager
}

// New returns an empty Manager.
func New(sec *security.Manager) *Manager {
	return &Manager{running: make(map[string]*handle), sec: sec}
}

// StartContainer spawns the leader for c: prlimit (to apply the
// resource policy's rlimits to the whole process tree before anything
// execs), then unshare --user --pid --net --mount --uts --ipc --fork,
// which puts the leader in a fresh user namespace with no uid/gid
// mapping yet, followed by a small shell shim (userNamespaceSyncScript)
// that blocks until the parent has written the namespace's id maps,
// then chroots into root_path and execs the configured command. It
// returns the leader's host pid. When slirpForwards is non-empty, a
// per-container slirp4netns helper is attached to the leader's network
// namespace and asked to register each forward over its API socket.
func (m *Manager) StartContainer(ctx context.Context, c *registry.Container, sanitizedEnv map[string]string, slirpForwards []PortForward) (int, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, turbineerr.Wrap(turbineerr.KindProcess, err, "creating user namespace sync pipe")
	}
	defer pr.Close()

	args := prlimitArgs(m.sec.ComputeRlimits(c.Config.Resources))
	args = append(args, "unshare", "--user", "--pid", "--net", "--mount", "--uts", "--ipc", "--fork")
	args = append(args, "--", "/bin/sh", "-c", userNamespaceSyncScript, "sh", c.RootPath)
	args = append(args, c.Config.Command...)

	cmd := exec.CommandContext(ctx, "prlimit", args...)
	if c.Config.WorkingDir != "" {
		cmd.Dir = c.Config.WorkingDir
	}
	cmd.Env = envSlice(sanitizedEnv)
	cmd.ExtraFiles = []*os.File{pr}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = nil
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		pw.Close()
		return 0, turbineerr.Wrap(turbineerr.KindProcess, err, "failed to spawn container leader")
	}
	pid := cmd.Process.Pid

	if err := m.mapUserNamespace(pid, c.Config.UID, c.Config.GID); err != nil {
		pw.Close()
		_ = cmd.Process.Kill()
		return 0, err
	}
	// Closing our end of the pipe is what unblocks the leader's "read"
	// in userNamespaceSyncScript; the maps must already be written.
	if err := pw.Close(); err != nil {
		_ = cmd.Process.Kill()
		return 0, turbineerr.Wrap(turbineerr.KindProcess, err, "releasing container leader after mapping")
	}

	h := &handle{cmd: cmd, stdout: &stdout, stderr: &stderr, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	m.mu.Lock()
	m.running[c.ID] = h
	m.mu.Unlock()

	if len(slirpForwards) > 0 {
		if err := m.attachSlirp4netns(c.ID, pid, slirpForwards); err != nil {
			return pid, err
		}
	}

	return pid, nil
}

// mapUserNamespace writes pid's uid_map/setgroups/gid_map in the
// mandatory order via security.WriteUserNamespaceMaps. The container
// appears as uid/gid 0 (fake root) inside its own namespace by default,
// or as the configured uid/gid when set, mapped to this process's real
// uid/gid on the host. Supplementary groups (config.ContainerConfig.Groups)
// cannot be honored under CLONE_NEWUSER: setgroups is denied in the
// child's namespace, so only the one mapped gid is visible there.
func (m *Manager) mapUserNamespace(pid int, uid, gid *uint32) error {
	containerUID, containerGID := uint32(0), uint32(0)
	if uid != nil {
		containerUID = *uid
	}
	if gid != nil {
		containerGID = *gid
	}
	return security.WriteUserNamespaceMaps(pid, containerUID, uint32(os.Getuid()), containerGID, uint32(os.Getgid()))
}

// attachSlirp4netns spawns a slirp4netns helper attached to pid's
// network namespace and registers each forward via the helper's API
// socket, following the add_hostfwd request slirp4netns accepts on the
// socket passed to --api-socket.
func (m *Manager) attachSlirp4netns(containerID string, pid int, forwards []PortForward) error {
	sockPath := fmt.Sprintf("/tmp/turbine-slirp-%s.sock", containerID)
	cmd := exec.Command("slirp4netns", "--configure", "--mtu=65520", "--disable-host-loopback",
		"--api-socket", sockPath, fmt.Sprintf("%d", pid), "tap0")
	if err := cmd.Start(); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "spawning slirp4netns")
	}

	m.mu.Lock()
	if h, ok := m.running[containerID]; ok {
		h.slirp = cmd
	}
	m.mu.Unlock()

	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "connecting to slirp4netns api socket")
	}
	defer conn.Close()

	for _, f := range forwards {
		req := map[string]any{
			"execute": "add_hostfwd",
			"arguments": map[string]any{
				"proto":      "tcp",
				"host_addr":  "0.0.0.0",
				"host_port":  f.HostPort,
				"guest_addr": "",
				"guest_port": f.ContainerPort,
			},
		}
		data, marshalErr := json.Marshal(req)
		if marshalErr != nil {
			return turbineerr.Wrap(turbineerr.KindNetwork, marshalErr, "encoding slirp4netns port forward request")
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return turbineerr.Wrap(turbineerr.KindNetwork, err, "requesting slirp4netns port forward")
		}
	}
	return nil
}

// prlimitArgs builds the --<resource>=<value> flags prlimit(1) needs to
// cap a not-yet-started command's rlimits before it execs into unshare.
// A zero value means "unset" in ComputeRlimits and is omitted so the
// process inherits its ambient limit instead of being capped to zero.
func prlimitArgs(r security.Rlimits) []string {
	var args []string
	if r.AS > 0 {
		args = append(args, fmt.Sprintf("--as=%d", r.AS))
	}
	if r.NPROC > 0 {
		args = append(args, fmt.Sprintf("--nproc=%d", r.NPROC))
	}
	if r.FSIZE > 0 {
		args = append(args, fmt.Sprintf("--fsize=%d", r.FSIZE))
	}
	return args
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// StopContainer stops the leader for containerID. With force it sends
// SIGKILL immediately; otherwise it sends SIGTERM and waits up to
// stopTimeout before surfacing a ProcessError.
func (m *Manager) StopContainer(containerID string, force bool) error {
	m.mu.Lock()
	h, ok := m.running[containerID]
	if ok {
		delete(m.running, containerID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	defer func() {
		if h.slirp != nil {
			_ = h.slirp.Process.Kill()
		}
	}()

	if force {
		_ = h.cmd.Process.Kill()
		<-h.done
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return turbineerr.Wrap(turbineerr.KindProcess, err, "failed to send signal")
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(stopTimeout):
		return turbineerr.New(turbineerr.KindProcess, "process did not terminate gracefully")
	}
}

// PauseContainer sends SIGSTOP to the leader.
func (m *Manager) PauseContainer(containerID string) error {
	return m.signal(containerID, syscall.SIGSTOP)
}

// ResumeContainer sends SIGCONT to the leader.
func (m *Manager) ResumeContainer(containerID string) error {
	return m.signal(containerID, syscall.SIGCONT)
}

func (m *Manager) signal(containerID string, sig syscall.Signal) error {
	m.mu.Lock()
	h, ok := m.running[containerID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		return turbineerr.Wrap(turbineerr.KindProcess, err, "failed to send signal")
	}
	return nil
}

// IsRunning reports whether containerID has a tracked live handle.
func (m *Manager) IsRunning(containerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[containerID]
	return ok
}

// GetContainerLogs returns captured (stdout, stderr) for containerID.
// Per spec, logs are only available once the leader has exited.
func (m *Manager) GetContainerLogs(containerID string) (string, string, error) {
	m.mu.Lock()
	h, ok := m.running[containerID]
	m.mu.Unlock()
	if !ok {
		return "", "", turbineerr.New(turbineerr.KindProcess, "container not found")
	}
	select {
	case <-h.done:
	default:
		return "", "", turbineerr.New(turbineerr.KindProcess, "container is still running")
	}
	return h.stdout.String(), h.stderr.String(), nil
}

// ExecuteInContainer runs command inside the namespaces of the running
// leader via nsenter. When attachTTY is set (an interactive CLI session)
// a pty is attached instead of plain pipes so job control and line
// editing work as expected.
func (m *Manager) ExecuteInContainer(ctx context.Context, c *registry.Container, command []string, attachTTY bool) (string, error) {
	m.mu.Lock()
	h, ok := m.running[c.ID]
	m.mu.Unlock()
	if !ok {
		return "", turbineerr.New(turbineerr.KindProcess, "container not found")
	}

	args := []string{"--target", fmt.Sprintf("%d", h.cmd.Process.Pid), "--pid", "--net", "--mount", "--uts", "--ipc", "chroot", c.RootPath}
	args = append(args, command...)
	cmd := exec.CommandContext(ctx, "nsenter", args...)

	if attachTTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return "", turbineerr.Wrap(turbineerr.KindProcess, err, "failed to attach pty")
		}
		defer f.Close()
		var buf bytes.Buffer
		buf.ReadFrom(f)
		if err := cmd.Wait(); err != nil {
			return buf.String(), turbineerr.Newf(turbineerr.KindProcess, "command failed: %s", turbineerr.TruncateStderr(buf.String()))
		}
		return buf.String(), nil
	}

	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		return "", turbineerr.Newf(turbineerr.KindProcess, "command failed: %s", turbineerr.TruncateStderr(stderr))
	}
	return string(out), nil
}

// GetRunningContainers returns the ids of every tracked live leader.
func (m *Manager) GetRunningContainers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	return out
}

// CleanupAll force-stops every tracked leader.
func (m *Manager) CleanupAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopContainer(id, true); err != nil {
			return err
		}
	}
	return nil
}

// Stats holds the memory and cpu usage GetStats reads from
// /proc/<pid>/{status,stat}.
type Stats struct {
	MemoryBytes uint64
	CPUSeconds  float64
}
