// Package registry holds the Container runtime record, its state
// machine, and the keyed store of records the Orchestrator mutates under
// its own lock (the Registry performs no internal locking itself).
package registry

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/turbineerr"
)

// State is a Container's position in the lifecycle state machine.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// Container is the runtime record for one container: identity, a
// snapshot of the config it was created with, its current state, and
// the timestamps/leader pid the state machine maintains.
type Container struct {
	ID        string
	Config    config.ContainerConfig
	State     State
	ErrorMsg  string
	LeaderPID int
	RootPath  string
	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
}

// New creates a Container record in state Created with a fresh id and
// root path under base.
func New(cfg config.ContainerConfig, base string) *Container {
	id := uuid.New().String()
	return &Container{
		ID:        id,
		Config:    cfg,
		State:     StateCreated,
		RootPath:  filepath.Join(base, id),
		CreatedAt: time.Now().UTC(),
	}
}

// IsRunning reports whether the container currently has a live leader.
func (c *Container) IsRunning() bool { return c.State == StateRunning }

// IsStopped reports whether the container is in the terminal-but-present Stopped state.
func (c *Container) IsStopped() bool { return c.State == StateStopped }

// SetState transitions the container, maintaining the started_at/
// stopped_at/leader_pid invariants the state machine requires: entering
// Running sets started_at and clears stopped_at; entering Stopped sets
// stopped_at and clears leader_pid.
func (c *Container) SetState(s State) {
	now := time.Now().UTC()
	switch s {
	case StateRunning:
		c.StartedAt = &now
		c.StoppedAt = nil
	case StateStopped:
		c.StoppedAt = &now
		c.LeaderPID = 0
	}
	c.State = s
}

// SetError transitions the container into the terminal Error state,
// retaining whatever partial resources remain so a caller can retry
// removal instead of losing track of the record.
func (c *Container) SetError(msg string) {
	c.State = StateError
	c.ErrorMsg = msg
}

// SetPID records the leader's host pid.
func (c *Container) SetPID(pid int) { c.LeaderPID = pid }

// Clone returns a deep-enough copy safe to hand to a manager outside the
// Registry lock: managers must never mutate the Registry's own record.
func (c *Container) Clone() *Container {
	cp := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.StoppedAt != nil {
		t := *c.StoppedAt
		cp.StoppedAt = &t
	}
	cp.Config.Command = append([]string(nil), c.Config.Command...)
	cp.Config.Ports = append([]config.PortMapping(nil), c.Config.Ports...)
	cp.Config.Volumes = append([]config.VolumeMount(nil), c.Config.Volumes...)
	env := make(map[string]string, len(c.Config.Environment))
	for k, v := range c.Config.Environment {
		env[k] = v
	}
	cp.Config.Environment = env
	return &cp
}

// ErrNotFound is returned by Registry lookups that miss.
var ErrNotFound = turbineerr.New(turbineerr.KindContainer, "container not found")
