package bio

import (
	"testing"
	"time"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/sysload"
	"github.com/sensocto/sensocto-go/internal/types"
)

type fixedLevels struct {
	levels map[string]types.AttentionLevel
}

func (f fixedLevels) SensorLevel(sensorID string) types.AttentionLevel {
	if l, ok := f.levels[sensorID]; ok {
		return l
	}
	return types.AttentionNone
}

func TestPredictorPreBoostRampsWindowDown(t *testing.T) {
	p := NewPredictor(nil, nil)
	at := time.Date(2026, 8, 24, 14, 55, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	// Quiet current hour, busy next hour, enough samples for confidence.
	for i := 0; i < 50; i++ {
		p.RecordSample("s1", 0.3, time.Date(2026, 8, 24, 14, i%60, 0, 0, time.UTC))
		p.RecordSample("s1", 0.9, time.Date(2026, 8, 24, 15, i%60, 0, 0, time.UTC))
	}
	p.Learn()
	p.Predict()

	f := p.PredictiveFactor("s1")
	if f < 0.75 || f >= 0.95 {
		t.Errorf("pre-boost factor at 5 min out = %v, want in [0.75, 0.95)", f)
	}
}

func TestPredictorPostPeakRelaxes(t *testing.T) {
	p := NewPredictor(nil, nil)
	at := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	for i := 0; i < 50; i++ {
		p.RecordSample("s1", 0.9, time.Date(2026, 8, 24, 14, i%60, 0, 0, time.UTC))
		p.RecordSample("s1", 0.2, time.Date(2026, 8, 24, 15, i%60, 0, 0, time.UTC))
	}
	p.Learn()
	p.Predict()

	f := p.PredictiveFactor("s1")
	if f <= 1.0 || f > 1.2 {
		t.Errorf("post-peak factor mid-hour = %v, want in (1.0, 1.2]", f)
	}
}

func TestPredictorNeutralWithoutConfidence(t *testing.T) {
	p := NewPredictor(nil, nil)
	at := time.Date(2026, 8, 24, 14, 55, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	// Too few samples per bucket for the confidence gate.
	for i := 0; i < 5; i++ {
		p.RecordSample("s1", 0.2, time.Date(2026, 8, 24, 14, i, 0, 0, time.UTC))
		p.RecordSample("s1", 0.9, time.Date(2026, 8, 24, 15, i, 0, 0, time.UTC))
	}
	p.Learn()
	p.Predict()

	if f := p.PredictiveFactor("s1"); f != 1.0 {
		t.Errorf("factor with thin history = %v, want 1.0", f)
	}
}

func TestPredictorTrimsSamplesPastHorizon(t *testing.T) {
	p := NewPredictor(nil, nil)
	old := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	p.RecordSample("s1", 0.9, old)
	p.RecordSample("s1", 0.3, old.Add(20*24*time.Hour))

	p.mu.Lock()
	n := len(p.samples)
	p.mu.Unlock()
	if n != 1 {
		t.Errorf("retained %d samples, want 1 after horizon trim", n)
	}
}

func feedDistribution(h *Homeostat, normal, elevated, high, critical int) {
	at := time.Now()
	emit := func(level types.LoadLevel, n int) {
		for i := 0; i < n; i++ {
			h.RecordSample(types.LoadSample{Level: level, SampledAt: at})
		}
	}
	emit(types.LoadNormal, normal)
	emit(types.LoadElevated, elevated)
	emit(types.LoadHigh, high)
	emit(types.LoadCritical, critical)
}

func TestHomeostatOffsetsConvergeOnTargetDistribution(t *testing.T) {
	b := bus.New()
	defer b.Close()
	h := NewHomeostat(b)
	h.offsets = sysload.ThresholdOffsets{Elevated: 0.1, High: -0.1, Critical: 0.1}

	// Observed distribution matches the 70/20/8/2 target exactly.
	feedDistribution(h, 70, 20, 8, 2)
	for cycle := 0; cycle < 24; cycle++ {
		h.Adapt()
	}

	off := h.Offsets()
	if off.Elevated != 0 || off.High != 0 || off.Critical != 0 {
		t.Errorf("offsets did not converge to zero: %+v", off)
	}
}

func TestHomeostatRaisesThresholdsUnderHotDistribution(t *testing.T) {
	b := bus.New()
	defer b.Close()
	h := NewHomeostat(b)

	// Far more high/critical than target.
	feedDistribution(h, 20, 20, 30, 30)
	h.Adapt()

	off := h.Offsets()
	if off.Critical <= 0 || off.High <= 0 || off.Elevated <= 0 {
		t.Errorf("offsets did not rise under a hot distribution: %+v", off)
	}

	// Offsets stay clamped no matter how many cycles run.
	for i := 0; i < 100; i++ {
		h.Adapt()
	}
	off = h.Offsets()
	if off.Critical > 0.1 || off.High > 0.1 || off.Elevated > 0.1 {
		t.Errorf("offsets exceeded clamp: %+v", off)
	}
}

func TestHomeostatPublishesAdaptationCycles(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(types.TopicSystemHomeostasis)
	defer sub.Unsubscribe()

	h := NewHomeostat(b)
	feedDistribution(h, 70, 20, 8, 2)
	h.Adapt()

	select {
	case msg := <-sub.C():
		if _, ok := msg.Data.(sysload.ThresholdOffsets); !ok {
			t.Errorf("published %T, want ThresholdOffsets", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no homeostasis publish")
	}
}

func TestArbiterFavorsAttentionGetters(t *testing.T) {
	attn := fixedLevels{levels: map[string]types.AttentionLevel{
		"hot":  types.AttentionHigh,
		"cold": types.AttentionNone,
	}}
	a := NewArbiter(attn, nil, func() []string { return []string{"hot", "cold"} })
	a.Allocate()

	hot := a.CompetitiveFactor("hot")
	cold := a.CompetitiveFactor("cold")
	if hot >= cold {
		t.Errorf("hot sensor multiplier %v not below cold %v", hot, cold)
	}
	if cold < 4.0 {
		t.Errorf("cold sensor multiplier = %v, want near 5.0", cold)
	}
	for _, m := range []float64{hot, cold} {
		if m < minAllocation || m > maxAllocation {
			t.Errorf("multiplier %v outside [%v, %v]", m, minAllocation, maxAllocation)
		}
	}
}

func TestArbiterDefaultsNeutralForUnknownSensor(t *testing.T) {
	a := NewArbiter(nil, nil, func() []string { return nil })
	if f := a.CompetitiveFactor("ghost"); f != 1.0 {
		t.Errorf("unknown sensor factor = %v, want 1.0", f)
	}
}

func TestCircadianPhaseTable(t *testing.T) {
	cases := []struct {
		name          string
		current, next float64
		want          Phase
		factor        float64
	}{
		{"peak", 0.8, 0.8, PhasePeak, 1.2},
		{"approaching peak", 0.5, 0.8, PhaseApproachingPeak, 1.15},
		{"off peak", 0.2, 0.5, PhaseOffPeak, 0.85},
		{"approaching off peak", 0.5, 0.2, PhaseApproachingOffPeak, 0.9},
		{"normal", 0.5, 0.5, PhaseNormal, 1.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := bus.New()
			defer b.Close()
			c := NewCircadian(b)
			at := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
			c.now = func() time.Time { return at }

			c.RecordSample(types.LoadSample{Pressure: tc.current, SampledAt: at})
			c.RecordSample(types.LoadSample{Pressure: tc.next, SampledAt: at.Add(time.Hour)})
			c.Evaluate()

			if got := c.CurrentPhase(); got != tc.want {
				t.Errorf("phase = %s, want %s", got, tc.want)
			}
			if got := c.CircadianFactor(); got != tc.factor {
				t.Errorf("factor = %v, want %v", got, tc.factor)
			}
		})
	}
}

func TestCircadianPublishesPhaseChanges(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(types.TopicSystemCircadian)
	defer sub.Unsubscribe()

	c := NewCircadian(b)
	at := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }
	c.RecordSample(types.LoadSample{Pressure: 0.9, SampledAt: at})
	c.RecordSample(types.LoadSample{Pressure: 0.9, SampledAt: at.Add(time.Hour)})
	c.Evaluate()

	select {
	case msg := <-sub.C():
		change := msg.Data.(PhaseChange)
		if change.Phase != PhasePeak || change.Factor != 1.2 {
			t.Errorf("published %+v, want peak/1.2", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no phase change published")
	}

	// Unchanged phase: silent.
	c.Evaluate()
	select {
	case msg := <-sub.C():
		t.Errorf("unexpected second publish: %+v", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineFactorsDefaultNeutral(t *testing.T) {
	b := bus.New()
	defer b.Close()
	e := NewEngine(b, fixedLevels{}, func() []string { return nil })

	if f := e.NoveltyFactor("s1", "temp"); f != 1.0 {
		t.Errorf("novelty factor = %v", f)
	}
	if f := e.PredictiveFactor("s1"); f != 1.0 {
		t.Errorf("predictive factor = %v", f)
	}
	if f := e.CompetitiveFactor("s1"); f != 1.0 {
		t.Errorf("competitive factor = %v", f)
	}
	if f := e.CircadianFactor(); f != 1.0 {
		t.Errorf("circadian factor = %v", f)
	}
}
