package bio

import (
	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/types"
)

// Engine bundles the five adaptive components behind the factor interface the
// attention registry consumes. Each component still runs (and fails) as its
// own supervised worker; a dead component leaves its factor neutral.
type Engine struct {
	Novelty   *Detector
	Predictor *Predictor
	Homeostat *Homeostat
	Arbiter   *Arbiter
	Circadian *Circadian
}

// NewEngine wires the adaptive layer. attention and sensors come from the
// registries domain, which starts earlier in the supervision tree.
func NewEngine(eventBus *bus.Bus, attention LevelSource, sensors SensorLister) *Engine {
	novelty := NewDetector(eventBus)
	return &Engine{
		Novelty:   novelty,
		Predictor: NewPredictor(attention, sensors),
		Homeostat: NewHomeostat(eventBus),
		Arbiter:   NewArbiter(attention, novelty, sensors),
		Circadian: NewCircadian(eventBus),
	}
}

// NoveltyFactor implements the attention registry's factor interface.
func (e *Engine) NoveltyFactor(sensorID, attributeID string) float64 {
	return e.Novelty.NoveltyFactor(sensorID, attributeID)
}

func (e *Engine) PredictiveFactor(sensorID string) float64 {
	return e.Predictor.PredictiveFactor(sensorID)
}

func (e *Engine) CompetitiveFactor(sensorID string) float64 {
	return e.Arbiter.CompetitiveFactor(sensorID)
}

func (e *Engine) CircadianFactor() float64 {
	return e.Circadian.CircadianFactor()
}

// RecordSample fans a load sample out to the homeostat and the circadian
// profile.
func (e *Engine) RecordSample(sample types.LoadSample) {
	e.Homeostat.RecordSample(sample)
	e.Circadian.RecordSample(sample)
}

// Observe forwards a measurement to the novelty detector; sensor workers hold
// the engine behind this narrow interface.
func (e *Engine) Observe(sensorID, attributeID string, payload types.Payload, timestampMs int64) {
	e.Novelty.Observe(sensorID, attributeID, payload, timestampMs)
}
