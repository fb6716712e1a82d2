// Package router keeps the destination table: which backend servers
// exist, whether they serve reads or writes, and which of them are
// currently usable.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sqlbridge/sqlbridge/internal/config"
)

// Mode is the role a destination serves.
type Mode string

const (
	ModeReadWrite Mode = "read-write"
	ModeReadOnly  Mode = "read-only"
)

// Destination is one resolved backend server.
type Destination struct {
	Name    string
	Address string
	Mode    Mode
}

// HealthFunc reports whether a destination is currently healthy.
type HealthFunc func(name string) bool

// Router resolves a requested server mode to a concrete destination.
type Router struct {
	mu           sync.RWMutex
	destinations map[string]config.DestinationConfig
	paused       map[string]bool
	rrIndex      map[Mode]int
	healthy      HealthFunc
}

// New creates a Router populated from the given config.
func New(cfg *config.Config) *Router {
	r := &Router{
		destinations: make(map[string]config.DestinationConfig, len(cfg.Destinations)),
		paused:       make(map[string]bool),
		rrIndex:      make(map[Mode]int),
	}
	for name, dc := range cfg.Destinations {
		r.destinations[name] = dc
	}
	return r
}

// SetHealthFunc wires a health predicate into destination selection.
func (r *Router) SetHealthFunc(fn HealthFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = fn
}

// candidates returns the usable destinations for a mode in stable name
// order.
func (r *Router) candidates(mode Mode) []Destination {
	var out []Destination
	for _, name := range sortedNames(r.destinations) {
		dc := r.destinations[name]
		if Mode(dc.Mode) != mode {
			continue
		}
		if r.paused[name] {
			continue
		}
		if r.healthy != nil && !r.healthy(name) {
			continue
		}
		out = append(out, Destination{Name: name, Address: dc.Address, Mode: mode})
	}
	return out
}

// Resolve picks the next destination serving the given mode, rotating
// round-robin over the usable candidates.
func (r *Router) Resolve(mode Mode) (Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cands := r.candidates(mode)
	if len(cands) == 0 {
		return Destination{}, fmt.Errorf("no usable %s destination", mode)
	}

	idx := r.rrIndex[mode] % len(cands)
	r.rrIndex[mode] = idx + 1
	return cands[idx], nil
}

// Lookup returns a destination by name.
func (r *Router) Lookup(name string) (Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dc, ok := r.destinations[name]
	if !ok {
		return Destination{}, false
	}
	return Destination{Name: name, Address: dc.Address, Mode: Mode(dc.Mode)}, true
}

// Pause marks a destination as not selectable. Returns false if unknown.
func (r *Router) Pause(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.destinations[name]; !ok {
		return false
	}
	r.paused[name] = true
	return true
}

// Resume unpauses a destination. Returns false if unknown.
func (r *Router) Resume(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.destinations[name]; !ok {
		return false
	}
	delete(r.paused, name)
	return true
}

// IsPaused returns whether a destination is currently paused.
func (r *Router) IsPaused(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[name]
}

// List returns all destinations and their configs.
func (r *Router) List() map[string]config.DestinationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]config.DestinationConfig, len(r.destinations))
	for name, dc := range r.destinations {
		out[name] = dc
	}
	return out
}

// Reload replaces the destination table from a new config.
func (r *Router) Reload(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]config.DestinationConfig, len(cfg.Destinations))
	for name, dc := range cfg.Destinations {
		next[name] = dc
	}
	r.destinations = next
	r.paused = make(map[string]bool)
	r.rrIndex = make(map[Mode]int)
}

func sortedNames(m map[string]config.DestinationConfig) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
