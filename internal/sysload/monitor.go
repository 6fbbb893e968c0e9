// Package sysload samples node pressure from CPU, worker mailboxes, and
// memory, and derives the global load multiplier folded into every batch
// window.
package sysload

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gomem "github.com/shirou/gopsutil/v4/mem"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/telemetry"
	"github.com/sensocto/sensocto-go/internal/types"
)

// System call wrappers for testing
var (
	cpuPercent    = gocpu.PercentWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
)

const (
	// SampleInterval is the pressure sampling cadence.
	SampleInterval = 2 * time.Second
	// DefaultMailboxHighWater is the mailbox depth that forces critical load.
	DefaultMailboxHighWater = 10000

	// Pressure component weights.
	cpuWeight     = 0.5
	mailboxWeight = 0.3
	memoryWeight  = 0.2
)

// Base level thresholds before homeostatic offsets.
const (
	elevatedThreshold = 0.3
	highThreshold     = 0.5
	criticalThreshold = 0.75
)

// ThresholdOffsets are the additive adjustments learned by the homeostatic
// tuner, each clamped to [-0.1, +0.1].
type ThresholdOffsets struct {
	Elevated float64 `json:"elevated"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// OffsetSource exposes the tuner's current offsets.
type OffsetSource interface {
	Offsets() ThresholdOffsets
}

// SampleSink receives every load sample for homeostatic accounting.
type SampleSink interface {
	RecordSample(sample types.LoadSample)
}

// MailboxProbe reports the deepest worker mailbox on the node.
type MailboxProbe func() int

// Config carries the monitor tunables.
type Config struct {
	Interval         time.Duration
	MailboxHighWater int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = SampleInterval
	}
	if c.MailboxHighWater <= 0 {
		c.MailboxHighWater = DefaultMailboxHighWater
	}
	return c
}

// Monitor is the single-writer load sampler. Readers take Current and
// Multiplier from the cached sample without blocking the sampling loop.
type Monitor struct {
	cfg      Config
	eventBus *bus.Bus
	mailbox  MailboxProbe
	offsets  OffsetSource
	sink     SampleSink

	mu      sync.RWMutex
	current types.LoadSample
}

// NewMonitor wires the monitor. offsets and sink may be nil until the
// adaptive layer is up; mailbox may be nil on a node with no workers yet.
func NewMonitor(cfg Config, eventBus *bus.Bus, mailbox MailboxProbe, offsets OffsetSource, sink SampleSink) *Monitor {
	return &Monitor{
		cfg:      cfg.withDefaults(),
		eventBus: eventBus,
		mailbox:  mailbox,
		offsets:  offsets,
		sink:     sink,
		current: types.LoadSample{
			Level:      types.LoadNormal,
			Multiplier: 1.0,
		},
	}
}

// SetSink installs the homeostatic sample sink after startup.
func (m *Monitor) SetSink(sink SampleSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Current returns the latest sample.
func (m *Monitor) Current() types.LoadSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Multiplier returns the load multiplier from the latest sample.
func (m *Monitor) Multiplier() float64 {
	return m.Current().Multiplier
}

// Run is the sampling loop, supervised as a registries-domain worker.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()

	cpuFrac := 0.0
	if percents, err := cpuPercent(sampleCtx, 0, false); err == nil && len(percents) > 0 {
		cpuFrac = percents[0] / 100
	}

	memFrac := 0.0
	if stats, err := virtualMemory(sampleCtx); err == nil && stats != nil {
		memFrac = stats.UsedPercent / 100
	}

	mailboxDepth := 0
	if m.mailbox != nil {
		mailboxDepth = m.mailbox()
	}
	mailboxFrac := math.Min(1, float64(mailboxDepth)/float64(m.cfg.MailboxHighWater))

	pressure := cpuWeight*cpuFrac + mailboxWeight*mailboxFrac + memoryWeight*memFrac
	pressure = math.Max(0, math.Min(1, pressure))

	level := m.classify(pressure)
	if mailboxDepth >= m.cfg.MailboxHighWater {
		// Mailbox high-water opens the valves regardless of CPU headroom.
		level = types.LoadCritical
	}

	next := types.LoadSample{
		Level:      level,
		Multiplier: multiplierFor(level),
		Pressure:   pressure,
		SampledAt:  time.Now(),
	}

	m.mu.Lock()
	prev := m.current
	m.current = next
	sink := m.sink
	m.mu.Unlock()

	telemetry.Get().SetLoad(levelValue(level), pressure)
	telemetry.Get().SetMailboxDepth(mailboxDepth)

	if sink != nil {
		sink.RecordSample(next)
	}
	if prev.Level != next.Level {
		log.Info().Str("from", string(prev.Level)).Str("to", string(next.Level)).
			Float64("pressure", pressure).Msg("Load level transition")
		m.eventBus.Publish(types.TopicSystemLoad, next)
	}
}

// classify maps pressure onto a level using the homeostatically shifted
// thresholds.
func (m *Monitor) classify(pressure float64) types.LoadLevel {
	var off ThresholdOffsets
	if m.offsets != nil {
		off = m.offsets.Offsets()
	}

	switch {
	case pressure >= criticalThreshold+off.Critical:
		return types.LoadCritical
	case pressure >= highThreshold+off.High:
		return types.LoadHigh
	case pressure >= elevatedThreshold+off.Elevated:
		return types.LoadElevated
	default:
		return types.LoadNormal
	}
}

func multiplierFor(level types.LoadLevel) float64 {
	switch level {
	case types.LoadCritical:
		return 6.0
	case types.LoadHigh:
		return 3.0
	case types.LoadElevated:
		return 1.5
	default:
		return 1.0
	}
}

func levelValue(level types.LoadLevel) int {
	switch level {
	case types.LoadCritical:
		return 3
	case types.LoadHigh:
		return 2
	case types.LoadElevated:
		return 1
	default:
		return 0
	}
}
