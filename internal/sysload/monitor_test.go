package sysload

import (
	"context"
	"testing"
	"time"

	gomem "github.com/shirou/gopsutil/v4/mem"

	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/types"
)

// stubHost pins the gopsutil wrappers to fixed fractions for one test.
func stubHost(t *testing.T, cpuFrac, memFrac float64) {
	t.Helper()
	origCPU, origMem := cpuPercent, virtualMemory
	cpuPercent = func(context.Context, time.Duration, bool) ([]float64, error) {
		return []float64{cpuFrac * 100}, nil
	}
	virtualMemory = func(context.Context) (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{UsedPercent: memFrac * 100}, nil
	}
	t.Cleanup(func() {
		cpuPercent = origCPU
		virtualMemory = origMem
	})
}

type captureSink struct {
	samples chan types.LoadSample
}

func (c *captureSink) RecordSample(s types.LoadSample) {
	select {
	case c.samples <- s:
	default:
	}
}

func TestClassifyThresholds(t *testing.T) {
	m := NewMonitor(Config{}, bus.New(), nil, nil, nil)

	cases := []struct {
		pressure float64
		want     types.LoadLevel
	}{
		{0.0, types.LoadNormal},
		{0.29, types.LoadNormal},
		{0.3, types.LoadElevated},
		{0.49, types.LoadElevated},
		{0.5, types.LoadHigh},
		{0.74, types.LoadHigh},
		{0.75, types.LoadCritical},
		{1.0, types.LoadCritical},
	}
	for _, tc := range cases {
		if got := m.classify(tc.pressure); got != tc.want {
			t.Errorf("classify(%.2f) = %s, want %s", tc.pressure, got, tc.want)
		}
	}
}

type fixedOffsets struct{ off ThresholdOffsets }

func (f fixedOffsets) Offsets() ThresholdOffsets { return f.off }

func TestClassifyAppliesHomeostaticOffsets(t *testing.T) {
	m := NewMonitor(Config{}, bus.New(), nil, fixedOffsets{ThresholdOffsets{Elevated: 0.1, High: -0.1, Critical: 0.05}}, nil)

	if got := m.classify(0.35); got != types.LoadNormal {
		t.Errorf("raised elevated threshold: classify(0.35) = %s, want normal", got)
	}
	if got := m.classify(0.45); got != types.LoadHigh {
		t.Errorf("lowered high threshold: classify(0.45) = %s, want high", got)
	}
	if got := m.classify(0.78); got != types.LoadHigh {
		t.Errorf("raised critical threshold: classify(0.78) = %s, want high", got)
	}
}

func TestMultiplierTable(t *testing.T) {
	want := map[types.LoadLevel]float64{
		types.LoadNormal:   1.0,
		types.LoadElevated: 1.5,
		types.LoadHigh:     3.0,
		types.LoadCritical: 6.0,
	}
	for level, m := range want {
		if got := multiplierFor(level); got != m {
			t.Errorf("multiplier(%s) = %v, want %v", level, got, m)
		}
	}
}

func TestSampleComputesWeightedPressure(t *testing.T) {
	stubHost(t, 0.4, 0.5)
	b := bus.New()
	defer b.Close()

	m := NewMonitor(Config{}, b, func() int { return 5000 }, nil, nil)
	m.sample(context.Background())

	// 0.5*0.4 + 0.3*(5000/10000) + 0.2*0.5 = 0.45
	got := m.Current()
	if got.Pressure < 0.449 || got.Pressure > 0.451 {
		t.Errorf("pressure = %v, want 0.45", got.Pressure)
	}
	if got.Level != types.LoadElevated {
		t.Errorf("level = %s, want elevated", got.Level)
	}
	if got.Multiplier != 1.5 {
		t.Errorf("multiplier = %v, want 1.5", got.Multiplier)
	}
}

func TestMailboxHighWaterForcesCritical(t *testing.T) {
	stubHost(t, 0.0, 0.0)
	b := bus.New()
	defer b.Close()

	m := NewMonitor(Config{}, b, func() int { return 10000 }, nil, nil)
	m.sample(context.Background())

	if got := m.Current(); got.Level != types.LoadCritical {
		t.Errorf("level = %s, want critical at mailbox high water", got.Level)
	}
	if m.Multiplier() != 6.0 {
		t.Errorf("multiplier = %v, want 6.0", m.Multiplier())
	}
}

func TestLevelTransitionsPublish(t *testing.T) {
	stubHost(t, 0.9, 0.9)
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(types.TopicSystemLoad)
	defer sub.Unsubscribe()

	m := NewMonitor(Config{}, b, nil, nil, nil)
	m.sample(context.Background())

	select {
	case msg := <-sub.C():
		sample := msg.Data.(types.LoadSample)
		if sample.Level != types.LoadCritical {
			t.Errorf("published level = %s, want critical", sample.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition published")
	}

	// Same level again: no second publish.
	m.sample(context.Background())
	select {
	case msg := <-sub.C():
		t.Errorf("unexpected second publish: %+v", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSamplesForwardToSink(t *testing.T) {
	stubHost(t, 0.1, 0.1)
	b := bus.New()
	defer b.Close()

	sink := &captureSink{samples: make(chan types.LoadSample, 4)}
	m := NewMonitor(Config{}, b, nil, nil, sink)
	m.sample(context.Background())

	select {
	case s := <-sink.samples:
		if s.Level != types.LoadNormal {
			t.Errorf("sink sample level = %s, want normal", s.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("sink never received the sample")
	}
}
