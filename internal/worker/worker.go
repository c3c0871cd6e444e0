package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	v1 "github.com/braidlab/braid/internal/api/v1"
)

// Report is the shape every analysis worker returns. The core treats the
// worker's internal reasoning as opaque and only requires this back.
type Report struct {
	Findings    []v1.Finding
	Confidence  float64
	Assumptions []string
	Unknowns    []string
}

// Worker inspects one target and reports structured findings.
type Worker interface {
	// Name is the worker's source identifier, stamped on its beads.
	Name() string

	// Analyze inspects target. It must respect ctx cancellation at its next
	// safe checkpoint and is otherwise free to block on external calls.
	Analyze(ctx context.Context, target string) (*Report, error)
}

// Registry is the set of workers this process may schedule. Bead sources are
// validated against it at the point of use, keeping the set open without
// letting arbitrary names into the ledger unannounced.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker. Registering a duplicate name is an error: two
// workers writing beads under one source would be indistinguishable in the
// ledger.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.Name()]; exists {
		return fmt.Errorf("worker %q already registered", w.Name())
	}
	r.workers[w.Name()] = w
	return nil
}

// Get returns the worker registered under name.
func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Names returns the registered worker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for name := range r.workers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every registered worker in name order.
func (r *Registry) All() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Worker, 0, len(names))
	for _, name := range names {
		out = append(out, r.workers[name])
	}
	return out
}
