// Package types holds the core domain model shared across the ingestion
// pipeline, the attention registry, and the adaptive layer.
package types

import (
	"time"
)

// AttentionLevel is the discrete observation intensity for a sensor attribute.
type AttentionLevel string

const (
	AttentionHigh   AttentionLevel = "high"
	AttentionMedium AttentionLevel = "medium"
	AttentionLow    AttentionLevel = "low"
	AttentionNone   AttentionLevel = "none"
)

// Rank orders levels so aggregation can take a max and caps can take a min.
// Higher rank means more attention.
func (l AttentionLevel) Rank() int {
	switch l {
	case AttentionHigh:
		return 3
	case AttentionMedium:
		return 2
	case AttentionLow:
		return 1
	default:
		return 0
	}
}

// MaxLevel returns the more intense of two levels.
func MaxLevel(a, b AttentionLevel) AttentionLevel {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// MinLevel returns the less intense of two levels.
func MinLevel(a, b AttentionLevel) AttentionLevel {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Score encodes a level as the scalar used by the pattern learner and arbiter.
func (l AttentionLevel) Score() float64 {
	switch l {
	case AttentionHigh:
		return 1.0
	case AttentionMedium:
		return 0.6
	case AttentionLow:
		return 0.3
	default:
		return 0.0
	}
}

// LoadLevel is the discrete node pressure classification.
type LoadLevel string

const (
	LoadNormal   LoadLevel = "normal"
	LoadElevated LoadLevel = "elevated"
	LoadHigh     LoadLevel = "high"
	LoadCritical LoadLevel = "critical"
)

// BatteryLevel is a viewer-reported power state that caps effective attention.
type BatteryLevel string

const (
	BatteryNormal   BatteryLevel = "normal"
	BatteryLow      BatteryLevel = "low"
	BatteryCritical BatteryLevel = "critical"
)

// BatteryState is the last power report for one observer.
type BatteryState struct {
	State      BatteryLevel `json:"state"`
	Source     string       `json:"source"`
	Level      *float64     `json:"level,omitempty"`
	Charging   *bool        `json:"charging,omitempty"`
	ReportedAt time.Time    `json:"reportedAt"`
}

// Cap returns the maximum effective attention allowed under this battery state.
func (b BatteryState) Cap() AttentionLevel {
	switch b.State {
	case BatteryCritical:
		return AttentionLow
	case BatteryLow:
		return AttentionMedium
	default:
		return AttentionHigh
	}
}

// Measurement is one timestamped sample for a sensor attribute.
type Measurement struct {
	SensorID     string  `json:"sensor_id"`
	AttributeID  string  `json:"attribute_id"`
	TimestampMs  int64   `json:"timestamp_ms"`
	DelaySeconds float64 `json:"delay_seconds"`
	Payload      Payload `json:"payload"`
}

// Time converts the producer timestamp to wall time.
func (m Measurement) Time() time.Time {
	return time.UnixMilli(m.TimestampMs)
}

// BackpressureConfig is the advisory batching hint pushed to connectors.
type BackpressureConfig struct {
	AttentionLevel         AttentionLevel `json:"attention_level"`
	RecommendedBatchWindow int            `json:"recommended_batch_window_ms"`
	RecommendedBatchSize   int            `json:"recommended_batch_size"`
	TimestampMs            int64          `json:"timestamp_ms"`
}

// LoadSample is the node pressure sample broadcast on system:load.
type LoadSample struct {
	Level      LoadLevel `json:"level"`
	Multiplier float64   `json:"multiplier"`
	Pressure   float64   `json:"pressure"`
	SampledAt  time.Time `json:"sampledAt"`
}

// NoveltyEvent fires when an attribute value departs from its running baseline.
type NoveltyEvent struct {
	ID           string  `json:"id"`
	SensorID     string  `json:"sensor_id"`
	AttributeID  string  `json:"attribute_id"`
	ZScore       float64 `json:"z_score"`
	NoveltyScore float64 `json:"novelty_score"`
	BoostMs      int64   `json:"boost_duration_ms"`
	TimestampMs  int64   `json:"timestamp_ms"`
}

// AttentionChange is published whenever an aggregate level moves.
type AttentionChange struct {
	SensorID    string         `json:"sensor_id"`
	AttributeID string         `json:"attribute_id,omitempty"`
	Level       AttentionLevel `json:"level"`
	ChangedAt   time.Time      `json:"changedAt"`
}

// SensorInfo is the catalog identity record for a sensor.
type SensorInfo struct {
	SensorID  string    `json:"sensorId"`
	Type      string    `json:"type"`
	Owner     string    `json:"owner"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// AttributeInfo describes one declared attribute of a catalog sensor.
type AttributeInfo struct {
	SensorID    string      `json:"sensorId"`
	AttributeID string      `json:"attributeId"`
	Type        PayloadType `json:"type"`
}
