// Package fabric gives every live sensor, room, and session an addressable
// supervised worker: registry-mediated name resolution, restart budgets, and
// ordered blast-radius domains.
package fabric

import (
	"context"
	"sync"

	cerr "github.com/sensocto/sensocto-go/internal/errors"
)

// Namespace partitions registry keys. Sensors are node-local; rooms use the
// cluster registry with anti-entropy handoff.
type Namespace string

const (
	NamespaceSensor Namespace = "sensor"
	NamespaceRoom   Namespace = "room"
	NamespaceCall   Namespace = "call"
	NamespaceMedia  Namespace = "media"
)

// Handle addresses one running worker.
type Handle struct {
	Namespace Namespace
	Key       string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	mailbox func() int // optional mailbox depth probe
}

// Done closes when the worker has fully terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// MailboxDepth reports the worker's current mailbox depth, 0 if unknown.
func (h *Handle) MailboxDepth() int {
	h.mu.Lock()
	probe := h.mailbox
	h.mu.Unlock()
	if probe == nil {
		return 0
	}
	return probe()
}

// SetMailboxProbe installs the worker's mailbox depth function.
func (h *Handle) SetMailboxProbe(probe func() int) {
	h.mu.Lock()
	h.mailbox = probe
	h.mu.Unlock()
}

// Registry maps (namespace, key) to live worker handles with O(1) lookup.
// Registration is serialized through the registry's own lock; lookups take
// the read path and never block writers for long.
type Registry struct {
	mu      sync.RWMutex
	entries map[Namespace]map[string]*Handle
	limits  map[Namespace]int
}

// NewRegistry creates an empty registry. limits caps entries per namespace;
// a zero or missing limit means unbounded.
func NewRegistry(limits map[Namespace]int) *Registry {
	return &Registry{
		entries: make(map[Namespace]map[string]*Handle),
		limits:  limits,
	}
}

// Register inserts a handle, or returns the existing one so spawn stays
// idempotent. The second return is false when key was already present.
func (r *Registry) Register(ns Namespace, key string, h *Handle) (*Handle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.entries[ns]
	if !ok {
		keys = make(map[string]*Handle)
		r.entries[ns] = keys
	}
	if existing, ok := keys[key]; ok {
		return existing, false, nil
	}
	if limit := r.limits[ns]; limit > 0 && len(keys) >= limit {
		return nil, false, cerr.CapacityExhausted(key, limit)
	}
	keys[key] = h
	return h, true, nil
}

// Resolve looks up a live handle.
func (r *Registry) Resolve(ns Namespace, key string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.entries[ns][key]; ok {
		return h, nil
	}
	return nil, cerr.New(cerr.CodeNotFound, "resolve", cerr.ErrNotFound).WithSensor(key)
}

// Unregister removes a key. Safe to call for a key that is already gone.
func (r *Registry) Unregister(ns Namespace, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keys, ok := r.entries[ns]; ok {
		delete(keys, key)
	}
}

// Children enumerates the keys registered under a namespace.
func (r *Registry) Children(ns Namespace) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries[ns]))
	for key := range r.entries[ns] {
		keys = append(keys, key)
	}
	return keys
}

// Count returns the number of live entries in a namespace.
func (r *Registry) Count(ns Namespace) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[ns])
}

// MaxMailboxDepth scans every registered worker and returns the deepest
// mailbox, feeding the load monitor's pressure sample.
func (r *Registry) MaxMailboxDepth() int {
	r.mu.RLock()
	handles := make([]*Handle, 0, 64)
	for _, keys := range r.entries {
		for _, h := range keys {
			handles = append(handles, h)
		}
	}
	r.mu.RUnlock()

	max := 0
	for _, h := range handles {
		if d := h.MailboxDepth(); d > max {
			max = d
		}
	}
	return max
}
