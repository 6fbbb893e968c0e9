package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/fabric"
	"github.com/sensocto/sensocto-go/internal/telemetry"
)

// Manager owns every room worker on the node.
type Manager struct {
	node     string
	eventBus *bus.Bus
	registry *fabric.Registry
	store    *SnapshotStore

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	workers     map[string]*Worker
	supervisors map[string]*fabric.Supervisor
}

// NewManager wires the room layer. store may be nil on a node that never
// persists snapshots.
func NewManager(node string, eventBus *bus.Bus, registry *fabric.Registry, store *SnapshotStore) *Manager {
	return &Manager{
		node:        node,
		eventBus:    eventBus,
		registry:    registry,
		store:       store,
		workers:     make(map[string]*Worker),
		supervisors: make(map[string]*fabric.Supervisor),
	}
}

// Start binds the manager's lifetime to ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	return nil
}

// Stop tears down every room worker, snapshotting on the way out.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	sups := make([]*fabric.Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		sups = append(sups, s)
	}
	m.workers = make(map[string]*Worker)
	m.supervisors = make(map[string]*fabric.Supervisor)
	m.mu.Unlock()

	for _, s := range sups {
		s.Stop()
	}
	telemetry.Get().SetActiveRooms(0)
}

// SpawnRoom ensures a worker exists for roomID, restoring it from the last
// snapshot when one exists.
func (m *Manager) SpawnRoom(roomID string) (*Worker, error) {
	if roomID == "" {
		return nil, cerr.New(cerr.CodeInvalidPayload, "spawn_room", fmt.Errorf("empty room id"))
	}

	m.mu.RLock()
	if w, ok := m.workers[roomID]; ok {
		m.mu.RUnlock()
		return w, nil
	}
	m.mu.RUnlock()

	w := NewWorker(roomID, m.node, m.eventBus, m.store)
	handle := &fabric.Handle{Namespace: fabric.NamespaceRoom, Key: roomID}
	handle.SetMailboxProbe(w.MailboxDepth)

	_, created, err := m.registry.Register(fabric.NamespaceRoom, roomID, handle)
	if err != nil {
		return nil, err
	}
	if !created {
		m.mu.RLock()
		existing, ok := m.workers[roomID]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}
		return nil, cerr.New(cerr.CodeInternal, "spawn_room",
			fmt.Errorf("registry entry exists without worker"))
	}

	sup := fabric.Supervise(m.ctx, "room/"+roomID, string(fabric.DomainStorage), func(ctx context.Context) error {
		err := w.Run(ctx)
		// Clean idle exit still releases the registry slot.
		if err == nil {
			m.remove(roomID)
		}
		return err
	}, func(err error) {
		log.Error().Err(err).Str("room", roomID).Msg("Room worker dropped after restart storm")
		m.remove(roomID)
	})

	m.mu.Lock()
	m.workers[roomID] = w
	m.supervisors[roomID] = sup
	count := len(m.workers)
	m.mu.Unlock()
	telemetry.Get().SetActiveRooms(count)

	log.Info().Str("room", roomID).Int("active", count).Msg("Room worker spawned")
	return w, nil
}

func (m *Manager) remove(roomID string) {
	m.registry.Unregister(fabric.NamespaceRoom, roomID)
	m.mu.Lock()
	delete(m.workers, roomID)
	delete(m.supervisors, roomID)
	count := len(m.workers)
	m.mu.Unlock()
	telemetry.Get().SetActiveRooms(count)
}

// Lookup returns the live worker for a room.
func (m *Manager) Lookup(roomID string) (*Worker, error) {
	m.mu.RLock()
	w, ok := m.workers[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, cerr.New(cerr.CodeNotFound, "lookup_room", cerr.ErrNotFound)
	}
	return w, nil
}

// Rooms lists the live room IDs.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.workers))
	for id := range m.workers {
		out = append(out, id)
	}
	return out
}

// ApplyChange routes a change to a room, spawning the worker on first touch.
func (m *Manager) ApplyChange(roomID, path string, value json.RawMessage) error {
	w, err := m.SpawnRoom(roomID)
	if err != nil {
		return err
	}
	return w.Apply(path, value)
}

// GetState returns a copy of the room's current document.
func (m *Manager) GetState(roomID string) (*Document, error) {
	w, err := m.Lookup(roomID)
	if err != nil {
		return nil, err
	}
	return w.State()
}

// Subscribe streams change events for a room, spawning it if needed.
func (m *Manager) Subscribe(roomID string) (*bus.Subscription, error) {
	w, err := m.SpawnRoom(roomID)
	if err != nil {
		return nil, err
	}
	return w.Subscribe(), nil
}
