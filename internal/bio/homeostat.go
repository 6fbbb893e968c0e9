package bio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/sysload"
	"github.com/sensocto/sensocto-go/internal/types"
)

const (
	// HomeostatBufferSize holds roughly one hour of per-second samples.
	HomeostatBufferSize = 3600
	// offsetStep is the per-cycle threshold adjustment.
	offsetStep = 0.005
	// offsetLimit clamps cumulative adjustment.
	offsetLimit = 0.1
	// distributionDeadband is how far the observed share may drift from
	// target before an adjustment fires.
	distributionDeadband = 0.01

	adaptInterval = time.Hour
)

// Target tail shares: fraction of samples expected at or above each level.
// Derived from the normal 70 / elevated 20 / high 8 / critical 2 split.
const (
	targetElevatedTail = 0.30
	targetHighTail     = 0.10
	targetCriticalTail = 0.02
)

// Homeostat keeps the observed load-level distribution near its target by
// nudging the classifier thresholds.
type Homeostat struct {
	eventBus *bus.Bus

	mu      sync.Mutex
	buffer  []types.LoadLevel
	next    int
	filled  bool
	offsets sysload.ThresholdOffsets
}

// NewHomeostat builds the tuner with zero offsets.
func NewHomeostat(eventBus *bus.Bus) *Homeostat {
	return &Homeostat{
		eventBus: eventBus,
		buffer:   make([]types.LoadLevel, HomeostatBufferSize),
	}
}

// RecordSample stores one load sample in the ring.
func (h *Homeostat) RecordSample(sample types.LoadSample) {
	h.mu.Lock()
	h.buffer[h.next] = sample.Level
	h.next++
	if h.next == len(h.buffer) {
		h.next = 0
		h.filled = true
	}
	h.mu.Unlock()
}

// Offsets returns the current threshold adjustments.
func (h *Homeostat) Offsets() sysload.ThresholdOffsets {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offsets
}

// Run adapts once per hour.
func (h *Homeostat) Run(ctx context.Context) error {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Adapt()
		}
	}
}

// Adapt compares the observed tail distribution to the target and nudges each
// threshold offset one step. A tail running hot raises its threshold so fewer
// samples classify at that level; a matching distribution decays the offset
// back toward zero.
func (h *Homeostat) Adapt() {
	h.mu.Lock()

	n := h.next
	if h.filled {
		n = len(h.buffer)
	}
	if n == 0 {
		h.mu.Unlock()
		return
	}

	var elevated, high, critical int
	for i := 0; i < n; i++ {
		switch h.buffer[i] {
		case types.LoadCritical:
			critical++
			high++
			elevated++
		case types.LoadHigh:
			high++
			elevated++
		case types.LoadElevated:
			elevated++
		}
	}
	total := float64(n)

	h.offsets.Elevated = adjustOffset(h.offsets.Elevated, float64(elevated)/total, targetElevatedTail)
	h.offsets.High = adjustOffset(h.offsets.High, float64(high)/total, targetHighTail)
	h.offsets.Critical = adjustOffset(h.offsets.Critical, float64(critical)/total, targetCriticalTail)
	offsets := h.offsets
	h.mu.Unlock()

	log.Debug().Float64("elevated", offsets.Elevated).Float64("high", offsets.High).
		Float64("critical", offsets.Critical).Msg("Homeostatic adaptation cycle")
	h.eventBus.Publish(types.TopicSystemHomeostasis, offsets)
}

func adjustOffset(current, observed, target float64) float64 {
	switch {
	case observed > target+distributionDeadband:
		current += offsetStep
	case observed < target-distributionDeadband:
		current -= offsetStep
	default:
		// On target: decay back to neutral.
		if current > offsetStep {
			current -= offsetStep
		} else if current < -offsetStep {
			current += offsetStep
		} else {
			current = 0
		}
	}
	return math.Max(-offsetLimit, math.Min(offsetLimit, current))
}
