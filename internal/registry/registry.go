package registry

import "github.com/nadmax/turbine/internal/turbineerr"

// Registry is a keyed store of Container records. It performs no
// internal locking of its own — concurrent access is serialized by the
// Orchestrator's Registry lock (see internal/orchestrator), so every
// method here assumes the caller already holds the appropriate lock.
type Registry struct {
	containers map[string]*Container
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{containers: make(map[string]*Container)}
}

// Register adds a new record, rejecting a duplicate id.
func (r *Registry) Register(c *Container) error {
	if _, exists := r.containers[c.ID]; exists {
		return turbineerr.Newf(turbineerr.KindContainer, "container %s already registered", c.ID)
	}
	r.containers[c.ID] = c
	return nil
}

// Get returns the record for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Container, error) {
	c, ok := r.containers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// GetMut is an alias of Get: Go has no separate mutable-borrow API, the
// caller already holds the write lock when it wants to mutate.
func (r *Registry) GetMut(id string) (*Container, error) { return r.Get(id) }

// Remove deletes the record for id, if present.
func (r *Registry) Remove(id string) {
	delete(r.containers, id)
}

// List returns every registered record, in no particular order.
func (r *Registry) List() []*Container {
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	return out
}

// FindByName returns the first active record with the given name.
func (r *Registry) FindByName(name string) (*Container, bool) {
	for _, c := range r.containers {
		if c.Config.Name == name {
			return c, true
		}
	}
	return nil, false
}

// FindRunning returns every record currently in state Running.
func (r *Registry) FindRunning() []*Container {
	var out []*Container
	for _, c := range r.containers {
		if c.IsRunning() {
			out = append(out, c)
		}
	}
	return out
}

// HasActiveName reports whether a non-removed record already uses name,
// which the Orchestrator uses to refuse duplicate-name registration.
func (r *Registry) HasActiveName(name string) bool {
	_, ok := r.FindByName(name)
	return ok
}
