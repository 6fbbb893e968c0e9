// Package sensor implements the per-sensor ingestion pipeline: one supervised
// worker per live sensor, each owning bounded timestamp-sorted attribute
// windows and the back-pressure contract with its connector.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/fabric"
	"github.com/sensocto/sensocto-go/internal/telemetry"
	"github.com/sensocto/sensocto-go/internal/types"
)

// DefaultMaxSensors caps sensor workers per node.
const DefaultMaxSensors = 10000

// CatalogWriter records sensor identity when a sensor is first seen. The
// pipeline treats catalog failures as soft; ingestion never depends on it.
type CatalogWriter interface {
	UpsertSensor(ctx context.Context, info types.SensorInfo) error
	UpsertAttribute(ctx context.Context, info types.AttributeInfo) error
}

// PipelineConfig carries the node-level pipeline tunables.
type PipelineConfig struct {
	MaxSensors     int
	BaseWindowMs   int
	WindowCapacity int
	OfflineGrace   time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.MaxSensors <= 0 {
		c.MaxSensors = DefaultMaxSensors
	}
	if c.BaseWindowMs <= 0 {
		c.BaseWindowMs = 2000
	}
	return c
}

// Pipeline owns every sensor worker on the node.
type Pipeline struct {
	cfg       PipelineConfig
	eventBus  *bus.Bus
	registry  *fabric.Registry
	attention AttentionSource
	novelty   NoveltyReporter
	catalog   CatalogWriter

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	workers     map[string]*Worker
	supervisors map[string]*fabric.Supervisor
	draining    bool
}

// NewPipeline wires the pipeline against the shared registry and bus. The
// catalog writer may be nil when the node runs without persistence.
func NewPipeline(cfg PipelineConfig, eventBus *bus.Bus, registry *fabric.Registry, attention AttentionSource, novelty NoveltyReporter, catalog CatalogWriter) *Pipeline {
	return &Pipeline{
		cfg:         cfg.withDefaults(),
		eventBus:    eventBus,
		registry:    registry,
		attention:   attention,
		novelty:     novelty,
		catalog:     catalog,
		workers:     make(map[string]*Worker),
		supervisors: make(map[string]*fabric.Supervisor),
	}
}

// Start binds the pipeline's lifetime to ctx. Part of the supervision tree's
// domain startup.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	return nil
}

// Stop tears down every worker.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	sups := make([]*fabric.Supervisor, 0, len(p.supervisors))
	for _, s := range p.supervisors {
		sups = append(sups, s)
	}
	p.workers = make(map[string]*Worker)
	p.supervisors = make(map[string]*fabric.Supervisor)
	p.mu.Unlock()

	for _, s := range sups {
		s.Stop()
	}
	telemetry.Get().SetActiveSensors(0)
}

// SetDraining flips refusal of new sensor spawns during graceful shutdown.
// Existing workers keep running until their connectors detach.
func (p *Pipeline) SetDraining(on bool) {
	p.mu.Lock()
	p.draining = on
	p.mu.Unlock()
}

// SpawnSensor ensures a worker exists for sensorID. Concurrent spawns for the
// same sensor converge on one worker; the registry arbitrates.
func (p *Pipeline) SpawnSensor(sensorID string, cfg WorkerConfig) (*Worker, error) {
	if sensorID == "" {
		return nil, cerr.New(cerr.CodeInvalidPayload, "spawn_sensor", fmt.Errorf("empty sensor id"))
	}

	p.mu.RLock()
	draining := p.draining
	if w, ok := p.workers[sensorID]; ok {
		p.mu.RUnlock()
		return w, nil
	}
	p.mu.RUnlock()

	if draining {
		return nil, cerr.New(cerr.CodeCapacityExhausted, "spawn_sensor", cerr.ErrDraining).WithSensor(sensorID)
	}

	if cfg.OfflineGrace == 0 {
		cfg.OfflineGrace = p.cfg.OfflineGrace
	}
	if cfg.BaseWindowMs == 0 {
		cfg.BaseWindowMs = p.cfg.BaseWindowMs
	}
	if cfg.WindowCapacity == 0 {
		cfg.WindowCapacity = p.cfg.WindowCapacity
	}

	w := NewWorker(sensorID, cfg, p.eventBus, p.attention, p.novelty)
	handle := &fabric.Handle{Namespace: fabric.NamespaceSensor, Key: sensorID}
	handle.SetMailboxProbe(w.MailboxDepth)

	_, created, err := p.registry.Register(fabric.NamespaceSensor, sensorID, handle)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the race; the winner's worker is in the map by now or shortly.
		p.mu.RLock()
		existing, ok := p.workers[sensorID]
		p.mu.RUnlock()
		if ok {
			return existing, nil
		}
		return nil, cerr.New(cerr.CodeInternal, "spawn_sensor",
			fmt.Errorf("registry entry exists without worker")).WithSensor(sensorID)
	}

	sup := fabric.Supervise(p.ctx, "sensor/"+sensorID, string(fabric.DomainDomain), w.Run, func(err error) {
		log.Error().Err(err).Str("sensor", sensorID).Msg("Sensor worker dropped after restart storm")
		p.remove(sensorID)
	})

	p.mu.Lock()
	p.workers[sensorID] = w
	p.supervisors[sensorID] = sup
	count := len(p.workers)
	p.mu.Unlock()
	telemetry.Get().SetActiveSensors(count)

	p.recordCatalog(sensorID)
	log.Info().Str("sensor", sensorID).Int("active", count).Msg("Sensor worker spawned")
	return w, nil
}

// StopSensor terminates one worker and releases its registry entry.
func (p *Pipeline) StopSensor(sensorID string) {
	p.mu.Lock()
	sup := p.supervisors[sensorID]
	p.mu.Unlock()
	if sup != nil {
		sup.Stop()
	}
	p.remove(sensorID)
}

func (p *Pipeline) remove(sensorID string) {
	p.registry.Unregister(fabric.NamespaceSensor, sensorID)
	p.mu.Lock()
	delete(p.workers, sensorID)
	delete(p.supervisors, sensorID)
	count := len(p.workers)
	p.mu.Unlock()
	telemetry.Get().SetActiveSensors(count)
}

// Lookup returns the live worker for sensorID.
func (p *Pipeline) Lookup(sensorID string) (*Worker, error) {
	p.mu.RLock()
	w, ok := p.workers[sensorID]
	p.mu.RUnlock()
	if !ok {
		return nil, cerr.New(cerr.CodeUnknownSensor, "lookup", cerr.ErrUnknownSensor).WithSensor(sensorID)
	}
	return w, nil
}

// Sensors lists the live sensor IDs on this node.
func (p *Pipeline) Sensors() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.workers))
	for id := range p.workers {
		out = append(out, id)
	}
	return out
}

// Ingest routes one measurement to its sensor worker.
func (p *Pipeline) Ingest(sensorID string, m types.Measurement) error {
	w, err := p.Lookup(sensorID)
	if err != nil {
		return err
	}
	return w.Ingest(m)
}

// IngestBatch routes a batch; per-element failures reject only that element.
func (p *Pipeline) IngestBatch(sensorID string, ms []types.Measurement) ([]error, error) {
	w, err := p.Lookup(sensorID)
	if err != nil {
		return nil, err
	}
	return w.IngestBatch(ms), nil
}

// Seed returns recent window contents for an attribute.
func (p *Pipeline) Seed(sensorID, attributeID string, fromTs, toTs int64, limit int) ([]types.Measurement, error) {
	w, err := p.Lookup(sensorID)
	if err != nil {
		return nil, err
	}
	return w.Seed(attributeID, fromTs, toTs, limit)
}

// GetLatest returns the newest measurement for an attribute.
func (p *Pipeline) GetLatest(sensorID, attributeID string) (types.Measurement, bool, error) {
	w, err := p.Lookup(sensorID)
	if err != nil {
		return types.Measurement{}, false, err
	}
	return w.GetLatest(attributeID)
}

// ClearAttribute wipes one attribute window and notifies the connector.
func (p *Pipeline) ClearAttribute(sensorID, attributeID string) error {
	w, err := p.Lookup(sensorID)
	if err != nil {
		return err
	}
	w.ClearAttribute(attributeID)
	return nil
}

// ConnectorUp attaches a connector sink to its sensor worker.
func (p *Pipeline) ConnectorUp(sensorID string, sink ConnectorSink) error {
	w, err := p.Lookup(sensorID)
	if err != nil {
		return err
	}
	w.ConnectorUp(sink)
	return nil
}

// ConnectorDown starts the offline grace clock for a sensor.
func (p *Pipeline) ConnectorDown(sensorID string) {
	if w, err := p.Lookup(sensorID); err == nil {
		w.ConnectorDown()
	}
}

// recordCatalog persists first-seen identity. Failures only log; the
// pipeline's hot path never waits on storage.
func (p *Pipeline) recordCatalog(sensorID string) {
	if p.catalog == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		now := time.Now()
		err := p.catalog.UpsertSensor(ctx, types.SensorInfo{
			SensorID:  sensorID,
			FirstSeen: now,
			LastSeen:  now,
		})
		if err != nil {
			log.Warn().Err(err).Str("sensor", sensorID).Msg("Catalog upsert failed")
		}
	}()
}
