// Package registry is the in-process map of containers this process believes
// exist. It is the single source of truth for live container state; only
// container instances and the reconciler write to it. No method blocks:
// callers do their work outside the short critical sections.
package registry

import (
	"sync"
	"time"

	"github.com/IITvamp/cmux/internal/controlplane"
)

// SessionStatus tracks a container's session lifecycle in-process.
type SessionStatus string

const (
	SessionStarting   SessionStatus = "starting"
	SessionRunning    SessionStatus = "running"
	SessionWarm       SessionStatus = "warm"
	SessionStopped    SessionStatus = "stopped"
	SessionTerminated SessionStatus = "terminated"
)

// Mapping is one container's in-process record, keyed by container name.
type Mapping struct {
	ContainerName   string
	InstanceID      string // docker container id
	TaskRunID       string
	Team            string
	AuthToken       string
	Ports           controlplane.PortMap
	Status          SessionStatus
	Volumes         map[string]string // volume name -> container path
	LastActivityAt  time.Time
	IdleTimeoutMs   int64
	WarmExpiresAt   time.Time
	WarmRetentionMs int64
	StoppedAt       time.Time

	claimed bool
}

// Registry maps container names to mappings.
type Registry struct {
	mu       sync.Mutex
	mappings map[string]*Mapping
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{mappings: make(map[string]*Mapping)}
}

// Put inserts or replaces a mapping.
func (r *Registry) Put(m Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := m
	r.mappings[m.ContainerName] = &copied
}

// Get returns a copy of the mapping for name.
func (r *Registry) Get(name string) (Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[name]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// Remove deletes the mapping for name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, name)
}

// Update applies mutate to the mapping for name under the registry lock.
// Returns false when no mapping exists.
func (r *Registry) Update(name string, mutate func(*Mapping)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[name]
	if !ok {
		return false
	}
	mutate(m)
	return true
}

// Claim marks the mapping as owned by one caller for a retention or stop
// operation. A second claim fails until Release. This is how eviction and
// instance stop avoid racing on the same container.
func (r *Registry) Claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[name]
	if !ok || m.claimed {
		return false
	}
	m.claimed = true
	return true
}

// Release clears a claim.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mappings[name]; ok {
		m.claimed = false
	}
}

// List returns a snapshot of all mappings.
func (r *Registry) List() []Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, *m)
	}
	return out
}

// Len returns the number of tracked containers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}

// CountRunning returns the number of mappings in running state.
func (r *Registry) CountRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.mappings {
		if m.Status == SessionRunning {
			n++
		}
	}
	return n
}
