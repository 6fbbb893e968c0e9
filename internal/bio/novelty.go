// Package bio implements the adaptive layer: online novelty detection,
// temporal attention prediction, homeostatic threshold tuning, competitive
// resource arbitration, and circadian phase adjustment. Each component runs
// as its own supervised worker; losing one degrades its factor to neutral.
package bio

import (
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/telemetry"
	"github.com/sensocto/sensocto-go/internal/types"
)

const (
	// NoveltyThreshold is the z-score above which an event fires.
	NoveltyThreshold = 3.0
	// NoveltyMinSamples is the baseline size required before events fire.
	NoveltyMinSamples = 10
	// NoveltyDebounce suppresses repeat events for the same attribute.
	NoveltyDebounce = 10 * time.Second
	// Boost duration bounds in milliseconds.
	MinBoostMs = 10000
	MaxBoostMs = 60000
	// msPerExcessZ scales the boost linearly with z beyond the threshold.
	msPerExcessZ = 10000
)

type statKey struct {
	sensorID    string
	attributeID string
}

// welford holds the running mean and M2 for one attribute stream.
type welford struct {
	count      int64
	mean       float64
	m2         float64
	lastEvent  time.Time
	boostUntil time.Time
}

func (w *welford) stddev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

// Detector is the per-attribute statistical anomaly detector. Observe is
// called from sensor workers; reads come from the window formula, so both
// paths stay cheap under one mutex.
type Detector struct {
	eventBus *bus.Bus

	mu    sync.Mutex
	stats map[statKey]*welford
}

// NewDetector builds an empty detector.
func NewDetector(eventBus *bus.Bus) *Detector {
	return &Detector{
		eventBus: eventBus,
		stats:    make(map[statKey]*welford),
	}
}

// Observe folds one measurement into the baseline, firing a novelty event
// when the value departs from it. The z-score is computed against the
// statistics as they stood before this value, so a spike is judged against
// the baseline it violates.
func (d *Detector) Observe(sensorID, attributeID string, payload types.Payload, timestampMs int64) {
	value, ok := payload.Numeric()
	if !ok {
		return
	}

	d.mu.Lock()
	key := statKey{sensorID: sensorID, attributeID: attributeID}
	w, found := d.stats[key]
	if !found {
		w = &welford{}
		d.stats[key] = w
	}

	var z float64
	if sd := w.stddev(); sd > 0 {
		z = math.Abs(value-w.mean) / sd
	}
	countBefore := w.count

	w.count++
	delta := value - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (value - w.mean)

	now := time.Now()
	fire := countBefore >= NoveltyMinSamples &&
		z > NoveltyThreshold &&
		now.Sub(w.lastEvent) >= NoveltyDebounce
	var boostMs int64
	if fire {
		boostMs = boostFor(z)
		w.lastEvent = now
		w.boostUntil = now.Add(time.Duration(boostMs) * time.Millisecond)
	}
	d.mu.Unlock()

	if !fire {
		return
	}

	event := types.NoveltyEvent{
		ID:           ulid.Make().String(),
		SensorID:     sensorID,
		AttributeID:  attributeID,
		ZScore:       z,
		NoveltyScore: z / (z + 1),
		BoostMs:      boostMs,
		TimestampMs:  timestampMs,
	}
	telemetry.Get().RecordNoveltyEvent(sensorID)
	log.Info().Str("sensor", sensorID).Str("attribute", attributeID).
		Float64("z", z).Int64("boostMs", boostMs).Msg("Novelty event")
	d.eventBus.Publish(types.TopicNovelty(sensorID), event)
}

// boostFor scales the boost with the excess z-score, clamped to the bounds.
func boostFor(z float64) int64 {
	ms := MinBoostMs + int64((z-NoveltyThreshold)*msPerExcessZ)
	if ms < MinBoostMs {
		return MinBoostMs
	}
	if ms > MaxBoostMs {
		return MaxBoostMs
	}
	return ms
}

// NoveltyFactor returns 0.5 while a boost is active for the attribute, 1.0
// otherwise. An empty attributeID checks the whole sensor.
func (d *Detector) NoveltyFactor(sensorID, attributeID string) float64 {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if attributeID != "" {
		if w, ok := d.stats[statKey{sensorID: sensorID, attributeID: attributeID}]; ok {
			if now.Before(w.boostUntil) {
				return 0.5
			}
		}
		return 1.0
	}
	for key, w := range d.stats {
		if key.sensorID == sensorID && now.Before(w.boostUntil) {
			return 0.5
		}
	}
	return 1.0
}

// NoveltyScore feeds the arbiter's priority vector: the strongest active
// boost's score, zero when quiet.
func (d *Detector) NoveltyScore(sensorID string) float64 {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	score := 0.0
	for key, w := range d.stats {
		if key.sensorID != sensorID || !now.Before(w.boostUntil) {
			continue
		}
		remaining := float64(w.boostUntil.Sub(now)) / float64(MaxBoostMs*int64(time.Millisecond))
		if remaining > score {
			score = math.Min(1, remaining)
		}
	}
	return score
}

// Forget drops the baseline for every attribute of a sensor.
func (d *Detector) Forget(sensorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.stats {
		if key.sensorID == sensorID {
			delete(d.stats, key)
		}
	}
}
