// Package capability invokes named external collaborators behind a gate that
// checks they exist, bounds them with a timeout and classifies how they
// ended.
package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNotFound is returned for ids that do not resolve to a runnable capability.
var ErrNotFound = errors.New("not found")

// Capability is an opaque unit of work.
type Capability interface {
	ID() string
	// Artifact is the path expected to exist after success, or "".
	Artifact() string
	// Available reports whether the capability can be run at all.
	Available() error
	Invoke(ctx context.Context) ([]byte, error)
}

// Registry maps ids to capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates a registry holding the builtin capabilities.
func NewRegistry() *Registry {
	r := &Registry{caps: make(map[string]Capability)}
	r.Register(Noop{})
	return r
}

// Register adds or replaces a capability.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.ID()] = c
}

// Replace swaps the non-builtin capabilities for caps in one step.
func (r *Registry) Replace(caps []Capability) {
	next := map[string]Capability{NoopID: Noop{}}
	for _, c := range caps {
		next[c.ID()] = c
	}
	r.mu.Lock()
	r.caps = next
	r.mu.Unlock()
}

// Lookup resolves an id.
func (r *Registry) Lookup(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[id]
	if !ok {
		return nil, fmt.Errorf("capability %q: %w", id, ErrNotFound)
	}
	return c, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
