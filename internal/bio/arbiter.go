package bio

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	allocateInterval = 5 * time.Second
	// allocationExponent concentrates resources on the leaders.
	allocationExponent = 1.3

	attentionWeight = 0.5
	noveltyWeight   = 0.3
	baselineWeight  = 0.2
	baselineValue   = 0.5

	minAllocation = 0.5
	maxAllocation = 5.0
)

// NoveltySource reads the arbiter's novelty component.
type NoveltySource interface {
	NoveltyScore(sensorID string) float64
}

// Arbiter divides service speed across the active sensor set with
// lateral-inhibition semantics: attention-getters converge toward the fast
// multiplier while quiet sensors settle near the slow one.
type Arbiter struct {
	attention LevelSource
	novelty   NoveltySource
	sensors   SensorLister

	mu          sync.RWMutex
	multipliers map[string]float64
}

// NewArbiter wires the arbiter against the attention and novelty read paths.
func NewArbiter(attention LevelSource, novelty NoveltySource, sensors SensorLister) *Arbiter {
	return &Arbiter{
		attention:   attention,
		novelty:     novelty,
		sensors:     sensors,
		multipliers: make(map[string]float64),
	}
}

// Run reallocates every 5 seconds.
func (a *Arbiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(allocateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Allocate()
		}
	}
}

// Allocate recomputes every sensor's competitive multiplier from the current
// priority vector.
func (a *Arbiter) Allocate() {
	if a.sensors == nil {
		return
	}
	ids := a.sensors()
	if len(ids) == 0 {
		a.mu.Lock()
		a.multipliers = make(map[string]float64)
		a.mu.Unlock()
		return
	}

	priorities := make(map[string]float64, len(ids))
	total := 0.0
	for _, sensorID := range ids {
		p := a.priority(sensorID)
		priorities[sensorID] = p
		total += p
	}

	next := make(map[string]float64, len(ids))
	for sensorID, p := range priorities {
		fraction := 0.0
		if total > 0 {
			fraction = math.Pow(p/total, allocationExponent)
		}
		m := maxAllocation - (maxAllocation-minAllocation)*fraction
		next[sensorID] = math.Max(minAllocation, math.Min(maxAllocation, m))
	}

	a.mu.Lock()
	a.multipliers = next
	a.mu.Unlock()
}

func (a *Arbiter) priority(sensorID string) float64 {
	score := 0.0
	if a.attention != nil {
		score = a.attention.SensorLevel(sensorID).Score()
	}
	noveltyScore := 0.0
	if a.novelty != nil {
		noveltyScore = a.novelty.NoveltyScore(sensorID)
	}
	return attentionWeight*score + noveltyWeight*noveltyScore + baselineWeight*baselineValue
}

// CompetitiveFactor returns the sensor's current allocation, neutral for
// sensors the arbiter has not seen yet.
func (a *Arbiter) CompetitiveFactor(sensorID string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if m, ok := a.multipliers[sensorID]; ok {
		return m
	}
	return 1.0
}
