package bio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/types"
)

const (
	phaseInterval = 10 * time.Minute

	peakLoad    = 0.7
	offPeakLoad = 0.3
)

// Phase names the position in the daily load cycle.
type Phase string

const (
	PhaseNormal             Phase = "normal"
	PhaseApproachingPeak    Phase = "approaching_peak"
	PhasePeak               Phase = "peak"
	PhaseApproachingOffPeak Phase = "approaching_off_peak"
	PhaseOffPeak            Phase = "off_peak"
)

// PhaseChange is broadcast on system:circadian when the phase moves.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Factor    float64   `json:"factor"`
	ChangedAt time.Time `json:"changedAt"`
}

var phaseFactors = map[Phase]float64{
	PhaseNormal:             1.0,
	PhaseApproachingPeak:    1.15,
	PhasePeak:               1.2,
	PhaseApproachingOffPeak: 0.9,
	PhaseOffPeak:            0.85,
}

// Circadian learns a 24-entry hourly load profile and phase-adjusts batch
// windows against it: stretch ahead of and during peaks, tighten off-peak.
type Circadian struct {
	eventBus *bus.Bus

	mu      sync.Mutex
	profile [24]struct {
		sum   float64
		count int
	}
	phase Phase
	now   func() time.Time
}

// NewCircadian builds the scheduler in the neutral phase.
func NewCircadian(eventBus *bus.Bus) *Circadian {
	return &Circadian{
		eventBus: eventBus,
		phase:    PhaseNormal,
		now:      time.Now,
	}
}

// RecordSample folds one load sample into the hourly profile.
func (c *Circadian) RecordSample(sample types.LoadSample) {
	hour := sample.SampledAt.Hour()
	c.mu.Lock()
	c.profile[hour].sum += sample.Pressure
	c.profile[hour].count++
	c.mu.Unlock()
}

// Run re-evaluates the phase every 10 minutes.
func (c *Circadian) Run(ctx context.Context) error {
	ticker := time.NewTicker(phaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Evaluate reclassifies the phase from the learned profile and publishes on
// change.
func (c *Circadian) Evaluate() {
	c.mu.Lock()
	now := c.now()
	hour := now.Hour()
	current, currentOK := c.hourLoadLocked(hour)
	next, nextOK := c.hourLoadLocked((hour + 1) % 24)

	phase := PhaseNormal
	switch {
	case !currentOK || !nextOK:
	case current > peakLoad:
		phase = PhasePeak
	case next > peakLoad:
		phase = PhaseApproachingPeak
	case current < offPeakLoad:
		phase = PhaseOffPeak
	case next < offPeakLoad:
		phase = PhaseApproachingOffPeak
	}

	changed := phase != c.phase
	c.phase = phase
	c.mu.Unlock()

	if changed {
		log.Info().Str("phase", string(phase)).Msg("Circadian phase change")
		c.eventBus.Publish(types.TopicSystemCircadian, PhaseChange{
			Phase:     phase,
			Factor:    phaseFactors[phase],
			ChangedAt: now,
		})
	}
}

func (c *Circadian) hourLoadLocked(hour int) (float64, bool) {
	p := c.profile[hour]
	if p.count == 0 {
		return 0, false
	}
	return p.sum / float64(p.count), true
}

// CircadianFactor returns the current phase adjustment.
func (c *Circadian) CircadianFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return phaseFactors[c.phase]
}

// CurrentPhase returns the active phase, for the node status surface.
func (c *Circadian) CurrentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}
