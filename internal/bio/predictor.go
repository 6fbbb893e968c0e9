package bio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/types"
)

const (
	// PatternHistory is how far back attention samples count toward patterns.
	PatternHistory = 14 * 24 * time.Hour
	// PatternSampleCap bounds the per-bucket confidence contribution.
	PatternSampleCap = 50
	// predictJump is the hour-over-hour score delta that marks a transition.
	predictJump = 0.3
	// predictConfidence gates predictions on pattern quality.
	predictConfidence = 0.7

	learnInterval   = time.Hour
	predictInterval = time.Minute
)

// LevelSource reads the current attention level for a sensor.
type LevelSource interface {
	SensorLevel(sensorID string) types.AttentionLevel
}

// SensorLister enumerates the sensors live on this node.
type SensorLister func() []string

type attentionSample struct {
	sensorID string
	score    float64
	at       time.Time
}

// hourPattern is the learned attention profile for one (sensor, hour) bucket.
type hourPattern struct {
	mean       float64
	confidence float64
}

type predictionState int

const (
	predictNeutral predictionState = iota
	predictPreBoost
	predictPostPeak
)

// Predictor learns hourly and weekday-hour attention patterns per sensor and
// pre-adjusts batch windows ahead of predicted transitions.
type Predictor struct {
	attention LevelSource
	sensors   SensorLister

	mu       sync.Mutex
	samples  []attentionSample
	patterns map[string]map[int]hourPattern // sensorID -> hour -> pattern
	weekday  map[string]map[int]hourPattern // sensorID -> weekday*24+hour
	states   map[string]predictionState
	now      func() time.Time
}

// NewPredictor wires the pattern learner against the attention read path.
func NewPredictor(attention LevelSource, sensors SensorLister) *Predictor {
	return &Predictor{
		attention: attention,
		sensors:   sensors,
		patterns:  make(map[string]map[int]hourPattern),
		weekday:   make(map[string]map[int]hourPattern),
		states:    make(map[string]predictionState),
		now:       time.Now,
	}
}

// Run samples attention once a minute, relearns patterns hourly, and refreshes
// predictions each minute.
func (p *Predictor) Run(ctx context.Context) error {
	learn := time.NewTicker(learnInterval)
	defer learn.Stop()
	predict := time.NewTicker(predictInterval)
	defer predict.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-learn.C:
			p.Learn()
		case <-predict.C:
			p.sampleAttention()
			p.Predict()
		}
	}
}

func (p *Predictor) sampleAttention() {
	if p.sensors == nil || p.attention == nil {
		return
	}
	at := p.now()
	for _, sensorID := range p.sensors() {
		p.RecordSample(sensorID, p.attention.SensorLevel(sensorID).Score(), at)
	}
}

// RecordSample appends one attention observation to the history ring.
func (p *Predictor) RecordSample(sensorID string, score float64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, attentionSample{sensorID: sensorID, score: score, at: at})

	// Trim anything past the learning horizon; samples arrive in time order.
	cutoff := at.Add(-PatternHistory)
	i := 0
	for i < len(p.samples) && p.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.samples = append(p.samples[:0], p.samples[i:]...)
	}
}

// Learn rebuilds the hourly and weekday-hour patterns from the sample ring.
func (p *Predictor) Learn() {
	p.mu.Lock()
	defer p.mu.Unlock()

	type bucket struct {
		sum   float64
		sumSq float64
		count int
	}
	hourly := make(map[string]map[int]*bucket)
	daily := make(map[string]map[int]*bucket)

	add := func(m map[string]map[int]*bucket, sensorID string, slot int, score float64) {
		slots, ok := m[sensorID]
		if !ok {
			slots = make(map[int]*bucket)
			m[sensorID] = slots
		}
		b, ok := slots[slot]
		if !ok {
			b = &bucket{}
			slots[slot] = b
		}
		b.sum += score
		b.sumSq += score * score
		b.count++
	}

	for _, s := range p.samples {
		hour := s.at.Hour()
		add(hourly, s.sensorID, hour, s.score)
		add(daily, s.sensorID, int(s.at.Weekday())*24+hour, s.score)
	}

	finish := func(m map[string]map[int]*bucket) map[string]map[int]hourPattern {
		out := make(map[string]map[int]hourPattern, len(m))
		for sensorID, slots := range m {
			patterns := make(map[int]hourPattern, len(slots))
			for slot, b := range slots {
				mean := b.sum / float64(b.count)
				variance := b.sumSq/float64(b.count) - mean*mean
				if variance < 0 {
					variance = 0
				}
				countConf := math.Min(float64(b.count), PatternSampleCap) / PatternSampleCap
				patterns[slot] = hourPattern{
					mean:       mean,
					confidence: countConf / (1 + variance),
				}
			}
			out[sensorID] = patterns
		}
		return out
	}

	p.patterns = finish(hourly)
	p.weekday = finish(daily)
	log.Debug().Int("sensors", len(p.patterns)).Int("samples", len(p.samples)).
		Msg("Attention patterns relearned")
}

// Predict refreshes the per-sensor transition state from the learned patterns.
func (p *Predictor) Predict() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	hour := now.Hour()
	next := (hour + 1) % 24

	for sensorID, patterns := range p.patterns {
		cur, curOK := p.lookupLocked(sensorID, patterns, now, hour)
		nxt, nxtOK := p.lookupLocked(sensorID, patterns, now, next)
		state := predictNeutral
		switch {
		case !curOK || !nxtOK:
		case nxt.mean > cur.mean+predictJump && nxt.confidence >= predictConfidence:
			state = predictPreBoost
		case cur.mean > nxt.mean+predictJump && cur.confidence >= predictConfidence:
			state = predictPostPeak
		}
		p.states[sensorID] = state
	}
}

// lookupLocked prefers the weekday-refined pattern when it exists.
func (p *Predictor) lookupLocked(sensorID string, hourly map[int]hourPattern, now time.Time, hour int) (hourPattern, bool) {
	if refined, ok := p.weekday[sensorID]; ok {
		if pat, ok := refined[int(now.Weekday())*24+hour]; ok && pat.confidence >= predictConfidence {
			return pat, true
		}
	}
	pat, ok := hourly[hour]
	return pat, ok
}

// PredictiveFactor maps the sensor's transition state onto the window factor.
// Pre-boost ramps 0.95 to 0.75 approaching the hour; post-peak relaxes 1.0 to
// 1.2 across the hour.
func (p *Predictor) PredictiveFactor(sensorID string) float64 {
	p.mu.Lock()
	state := p.states[sensorID]
	now := p.now()
	p.mu.Unlock()

	switch state {
	case predictPreBoost:
		secondsUntil := float64(3600 - (now.Minute()*60 + now.Second()))
		if secondsUntil > 600 {
			return 1.0
		}
		if secondsUntil < 60 {
			return 0.75
		}
		return 0.75 + 0.2*(secondsUntil-60)/540
	case predictPostPeak:
		secondsSince := float64(now.Minute()*60 + now.Second())
		return math.Min(1.2, 1.0+0.2*secondsSince/3600)
	default:
		return 1.0
	}
}
