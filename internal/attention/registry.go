// Package attention maintains per-observer attention intents, aggregates them
// per sensor attribute, and derives the batch windows pushed to connectors.
// Writes are serialized through one coordinator goroutine; reads hit a cached
// table and never block behind a writer.
package attention

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/telemetry"
	"github.com/sensocto/sensocto-go/internal/types"
)

// FactorProvider supplies the adaptive multipliers folded into the window
// formula. A nil provider means every factor is 1.0.
type FactorProvider interface {
	NoveltyFactor(sensorID, attributeID string) float64
	PredictiveFactor(sensorID string) float64
	CompetitiveFactor(sensorID string) float64
	CircadianFactor() float64
}

// LoadProvider exposes the node-wide load multiplier.
type LoadProvider interface {
	Multiplier() float64
}

type attrKey struct {
	sensorID    string
	attributeID string
}

type intentKind int

const (
	intentView intentKind = iota
	intentHover
	intentFocus
)

// entry is the coordinator-owned state for one sensor attribute.
type entry struct {
	viewers     map[string]struct{}
	hovered     map[string]struct{}
	focused     map[string]struct{}
	hoverBoost  map[string]time.Time
	lastUpdated time.Time
}

func newEntry() *entry {
	return &entry{
		viewers:    make(map[string]struct{}),
		hovered:    make(map[string]struct{}),
		focused:    make(map[string]struct{}),
		hoverBoost: make(map[string]time.Time),
	}
}

func (e *entry) observerCount() int {
	return len(e.viewers) + len(e.hovered) + len(e.focused)
}

// rawLevel derives the level from the intent sets alone, before battery caps.
func (e *entry) rawLevel(now time.Time) types.AttentionLevel {
	if len(e.focused) > 0 || len(e.hovered) > 0 {
		return types.AttentionHigh
	}
	for _, until := range e.hoverBoost {
		if now.Before(until) {
			return types.AttentionHigh
		}
	}
	if len(e.viewers) > 0 {
		return types.AttentionMedium
	}
	return types.AttentionLow
}

type command func(r *Registry, now time.Time)

// Registry is the attention coordinator.
type Registry struct {
	eventBus *bus.Bus
	cmds chan command

	// Coordinator-owned; only the Run goroutine touches these.
	entries     map[attrKey]*entry
	pins        map[string]map[string]struct{} // sensorID -> users
	battery     map[string]types.BatteryState  // userID -> last report
	userIntents map[string]map[attrKey]struct{}
	userPins    map[string]map[string]struct{}
	dropped     map[attrKey]struct{} // swept to none, still cached

	// Cached read tables and provider handles, read by worker goroutines on
	// every window computation.
	cacheMu      sync.RWMutex
	factors      FactorProvider
	load         LoadProvider
	attrLevels   map[attrKey]types.AttentionLevel
	sensorLevels map[string]types.AttentionLevel
}

// NewRegistry builds the coordinator. factors and load may be nil during
// early startup; SetProviders wires them in once the adaptive layer is up.
func NewRegistry(eventBus *bus.Bus, factors FactorProvider, load LoadProvider) *Registry {
	return &Registry{
		eventBus:     eventBus,
		factors:      factors,
		load:         load,
		cmds:         make(chan command, 1024),
		entries:      make(map[attrKey]*entry),
		pins:         make(map[string]map[string]struct{}),
		battery:      make(map[string]types.BatteryState),
		userIntents:  make(map[string]map[attrKey]struct{}),
		userPins:     make(map[string]map[string]struct{}),
		dropped:      make(map[attrKey]struct{}),
		attrLevels:   make(map[attrKey]types.AttentionLevel),
		sensorLevels: make(map[string]types.AttentionLevel),
	}
}

// SetProviders installs the adaptive factor and load sources. Safe to call
// while workers are already computing windows.
func (r *Registry) SetProviders(factors FactorProvider, load LoadProvider) {
	r.cacheMu.Lock()
	r.factors = factors
	r.load = load
	r.cacheMu.Unlock()
}

// Run is the coordinator loop; supervised as a registries-domain worker.
func (r *Registry) Run(ctx context.Context) error {
	cleanup := time.NewTicker(CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-r.cmds:
			cmd(r, time.Now())
		case now := <-cleanup.C:
			r.sweepStale(now)
		}
	}
}

func (r *Registry) enqueue(cmd command) {
	select {
	case r.cmds <- cmd:
	default:
		// Coordinator badly backlogged; a lost intent self-heals on the
		// observer's next interaction.
		log.Warn().Msg("Attention coordinator mailbox full, intent dropped")
	}
}

// RegisterView records a viewport mount.
func (r *Registry) RegisterView(sensorID, attributeID, userID string) {
	r.mutateIntent(sensorID, attributeID, userID, intentView, true)
}

// UnregisterView removes a viewport mount.
func (r *Registry) UnregisterView(sensorID, attributeID, userID string) {
	r.mutateIntent(sensorID, attributeID, userID, intentView, false)
}

// RegisterHover records pointer hover.
func (r *Registry) RegisterHover(sensorID, attributeID, userID string) {
	r.mutateIntent(sensorID, attributeID, userID, intentHover, true)
}

// UnregisterHover removes hover but retains high attention for the boost
// window before recomputing.
func (r *Registry) UnregisterHover(sensorID, attributeID, userID string) {
	r.mutateIntent(sensorID, attributeID, userID, intentHover, false)
}

// RegisterFocus records explicit focus.
func (r *Registry) RegisterFocus(sensorID, attributeID, userID string) {
	r.mutateIntent(sensorID, attributeID, userID, intentFocus, true)
}

// UnregisterFocus removes explicit focus.
func (r *Registry) UnregisterFocus(sensorID, attributeID, userID string) {
	r.mutateIntent(sensorID, attributeID, userID, intentFocus, false)
}

func (r *Registry) mutateIntent(sensorID, attributeID, userID string, kind intentKind, add bool) {
	if sensorID == "" || attributeID == "" || userID == "" {
		return
	}
	key := attrKey{sensorID: sensorID, attributeID: attributeID}
	r.enqueue(func(reg *Registry, now time.Time) {
		e, ok := reg.entries[key]
		if !ok {
			if !add {
				return
			}
			e = newEntry()
			reg.entries[key] = e
		}

		set := e.viewers
		switch kind {
		case intentHover:
			set = e.hovered
		case intentFocus:
			set = e.focused
		}

		if add {
			set[userID] = struct{}{}
			if kind == intentHover {
				delete(e.hoverBoost, userID)
			}
			reg.trackUser(userID, key)
		} else {
			_, wasPresent := set[userID]
			delete(set, userID)
			// The boost belongs to a real hover ending; a stray or repeated
			// unhover grants nothing.
			if kind == intentHover && wasPresent {
				e.hoverBoost[userID] = now.Add(HoverBoost)
				reg.scheduleRecompute(key, HoverBoost)
			}
			reg.untrackUserIfIdle(userID, key)
		}
		e.lastUpdated = now
		delete(reg.dropped, key)
		reg.recomputeSensor(key.sensorID, now)
	})
}

// PinSensor forces the sensor aggregate to high until unpinned.
func (r *Registry) PinSensor(sensorID, userID string) {
	r.enqueue(func(reg *Registry, now time.Time) {
		users, ok := reg.pins[sensorID]
		if !ok {
			users = make(map[string]struct{})
			reg.pins[sensorID] = users
		}
		users[userID] = struct{}{}
		if reg.userPins[userID] == nil {
			reg.userPins[userID] = make(map[string]struct{})
		}
		reg.userPins[userID][sensorID] = struct{}{}
		reg.recomputeSensor(sensorID, now)
	})
}

// UnpinSensor removes one user's pin.
func (r *Registry) UnpinSensor(sensorID, userID string) {
	r.enqueue(func(reg *Registry, now time.Time) {
		if users, ok := reg.pins[sensorID]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(reg.pins, sensorID)
			}
		}
		if pins, ok := reg.userPins[userID]; ok {
			delete(pins, sensorID)
		}
		reg.recomputeSensor(sensorID, now)
	})
}

// ReportBatteryState records an observer's power state; the worst state among
// a sensor's observers caps that sensor's effective attention.
func (r *Registry) ReportBatteryState(userID string, state types.BatteryState) {
	r.enqueue(func(reg *Registry, now time.Time) {
		state.ReportedAt = now
		reg.battery[userID] = state
		for key := range reg.userIntents[userID] {
			reg.recomputeSensor(key.sensorID, now)
		}
	})
}

// UnregisterAll removes every intent, pin, and battery report for a user.
// Called on session end.
func (r *Registry) UnregisterAll(userID string) {
	r.enqueue(func(reg *Registry, now time.Time) {
		for key := range reg.userIntents[userID] {
			if e, ok := reg.entries[key]; ok {
				delete(e.viewers, userID)
				delete(e.hovered, userID)
				delete(e.focused, userID)
				delete(e.hoverBoost, userID)
				e.lastUpdated = now
			}
			reg.recomputeSensor(key.sensorID, now)
		}
		delete(reg.userIntents, userID)

		for sensorID := range reg.userPins[userID] {
			if users, ok := reg.pins[sensorID]; ok {
				delete(users, userID)
				if len(users) == 0 {
					delete(reg.pins, sensorID)
				}
			}
			reg.recomputeSensor(sensorID, now)
		}
		delete(reg.userPins, userID)
		delete(reg.battery, userID)
		telemetry.Get().SetActiveObservers(len(reg.userIntents))
	})
}

// AttributeLevel is the cached effective level for one attribute.
func (r *Registry) AttributeLevel(sensorID, attributeID string) types.AttentionLevel {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if level, ok := r.attrLevels[attrKey{sensorID: sensorID, attributeID: attributeID}]; ok {
		return level
	}
	return types.AttentionNone
}

// SensorLevel is the cached aggregate: max across the sensor's attributes,
// forced high by pins, capped by the worst observer battery.
func (r *Registry) SensorLevel(sensorID string) types.AttentionLevel {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if level, ok := r.sensorLevels[sensorID]; ok {
		return level
	}
	return types.AttentionNone
}

// BatchWindow computes the clamped effective batch window in milliseconds.
// When attributeID is empty the sensor aggregate level drives the formula.
func (r *Registry) BatchWindow(baseMs int, sensorID, attributeID string) int {
	level := r.SensorLevel(sensorID)
	if attributeID != "" {
		level = r.AttributeLevel(sensorID, attributeID)
	}
	return r.BatchWindowAt(baseMs, sensorID, attributeID, level)
}

// BatchWindowAt prices the window at an explicit level, clamped to that
// level's bounds. Sensor workers use it while a novelty boost holds the
// effective level above the cached one.
func (r *Registry) BatchWindowAt(baseMs int, sensorID, attributeID string, level types.AttentionLevel) int {
	r.cacheMu.RLock()
	factors, load := r.factors, r.load
	r.cacheMu.RUnlock()

	cfg := ConfigFor(level)
	w := float64(baseMs) * cfg.Multiplier
	if load != nil {
		w *= load.Multiplier()
	}
	if factors != nil {
		w *= factors.NoveltyFactor(sensorID, attributeID)
		w *= factors.PredictiveFactor(sensorID)
		w *= factors.CompetitiveFactor(sensorID)
		w *= factors.CircadianFactor()
	}

	return int(math.Round(math.Max(float64(cfg.MinMs), math.Min(float64(cfg.MaxMs), w))))
}

// trackUser indexes a user's intents so unregister_all and battery caps can
// find every entry they touch.
func (r *Registry) trackUser(userID string, key attrKey) {
	keys, ok := r.userIntents[userID]
	if !ok {
		keys = make(map[attrKey]struct{})
		r.userIntents[userID] = keys
		telemetry.Get().SetActiveObservers(len(r.userIntents))
	}
	keys[key] = struct{}{}
}

func (r *Registry) untrackUserIfIdle(userID string, key attrKey) {
	e, ok := r.entries[key]
	if ok {
		if _, v := e.viewers[userID]; v {
			return
		}
		if _, h := e.hovered[userID]; h {
			return
		}
		if _, f := e.focused[userID]; f {
			return
		}
	}
	if keys, ok := r.userIntents[userID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.userIntents, userID)
			telemetry.Get().SetActiveObservers(len(r.userIntents))
		}
	}
}

// scheduleRecompute re-runs aggregation for a key's sensor after d, used for
// hover-boost expiry.
func (r *Registry) scheduleRecompute(key attrKey, d time.Duration) {
	time.AfterFunc(d+10*time.Millisecond, func() {
		r.enqueue(func(reg *Registry, now time.Time) {
			if e, ok := reg.entries[key]; ok {
				for user, until := range e.hoverBoost {
					if !now.Before(until) {
						delete(e.hoverBoost, user)
						reg.untrackUserIfIdle(user, key)
					}
				}
			}
			reg.recomputeSensor(key.sensorID, now)
		})
	})
}

// batteryCap returns the worst-case cap among every observer of a sensor.
func (r *Registry) batteryCap(sensorID string) types.AttentionLevel {
	cap := types.AttentionHigh
	for key, e := range r.entries {
		if key.sensorID != sensorID {
			continue
		}
		for _, set := range []map[string]struct{}{e.viewers, e.hovered, e.focused} {
			for user := range set {
				if b, ok := r.battery[user]; ok {
					cap = types.MinLevel(cap, b.Cap())
				}
			}
		}
	}
	return cap
}

// recomputeSensor rebuilds every cached level for one sensor and publishes
// changes on the attention topics.
func (r *Registry) recomputeSensor(sensorID string, now time.Time) {
	cap := r.batteryCap(sensorID)
	_, pinned := r.pins[sensorID]

	changedAttrs := make(map[attrKey]types.AttentionLevel)
	sensorLevel := types.AttentionNone
	sawEntry := false

	r.cacheMu.Lock()
	for key, e := range r.entries {
		if key.sensorID != sensorID {
			continue
		}
		sawEntry = true

		level := e.rawLevel(now)
		if _, gone := r.dropped[key]; gone && e.observerCount() == 0 {
			level = types.AttentionNone
		}
		level = types.MinLevel(level, cap)

		if r.attrLevels[key] != level {
			r.attrLevels[key] = level
			changedAttrs[key] = level
		}
		sensorLevel = types.MaxLevel(sensorLevel, level)
	}

	if pinned {
		sensorLevel = types.AttentionHigh
	} else if !sawEntry {
		sensorLevel = types.AttentionNone
	}

	sensorChanged := r.sensorLevels[sensorID] != sensorLevel
	if sensorChanged {
		r.sensorLevels[sensorID] = sensorLevel
	}
	r.publishLevelCountsLocked()
	r.cacheMu.Unlock()

	for key, level := range changedAttrs {
		r.eventBus.Publish(types.TopicAttentionAttribute(key.sensorID, key.attributeID), types.AttentionChange{
			SensorID:    key.sensorID,
			AttributeID: key.attributeID,
			Level:       level,
			ChangedAt:   now,
		})
	}
	if sensorChanged {
		r.eventBus.Publish(types.TopicAttentionSensor(sensorID), types.AttentionChange{
			SensorID:  sensorID,
			Level:     sensorLevel,
			ChangedAt: now,
		})
	}
}

// sweepStale transitions entries with no observers and no update for the
// stale window to none.
func (r *Registry) sweepStale(now time.Time) {
	for key, e := range r.entries {
		if e.observerCount() > 0 {
			continue
		}
		if now.Sub(e.lastUpdated) < StaleAfter {
			continue
		}
		r.dropped[key] = struct{}{}
		r.recomputeSensor(key.sensorID, now)
	}
}

func (r *Registry) publishLevelCountsLocked() {
	counts := map[types.AttentionLevel]int{}
	for _, level := range r.attrLevels {
		counts[level]++
	}
	for _, level := range []types.AttentionLevel{types.AttentionHigh, types.AttentionMedium, types.AttentionLow, types.AttentionNone} {
		telemetry.Get().SetAttentionLevelCount(string(level), counts[level])
	}
}

// LevelCounts snapshots how many attributes sit at each level, for the node
// status surface.
func (r *Registry) LevelCounts() map[types.AttentionLevel]int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	counts := map[types.AttentionLevel]int{}
	for _, level := range r.attrLevels {
		counts[level]++
	}
	return counts
}

// barrier blocks until every previously enqueued write has been applied.
func (r *Registry) barrier() {
	done := make(chan struct{})
	r.cmds <- func(*Registry, time.Time) { close(done) }
	<-done
}
