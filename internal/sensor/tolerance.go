package sensor

import (
	"time"

	"github.com/sensocto/sensocto-go/internal/types"
)

// Timestamp acceptance bounds. Producers own their clocks, so a little skew
// is tolerated in both directions; anything further out is dropped.
const (
	// FutureTolerance accepts measurements stamped slightly ahead of now.
	FutureTolerance = 2 * time.Second
	// DefaultLateTolerance accepts late arrivals up to this far behind now.
	DefaultLateTolerance = 10 * time.Second
)

// lateTolerance returns the accepted late-arrival window for an attribute
// type. High-rate signals tolerate less skew than slow-changing ones.
func lateTolerance(t types.PayloadType) time.Duration {
	switch t {
	case types.TypeECG:
		return 2 * time.Second
	case types.TypeBattery:
		return 30 * time.Second
	default:
		return DefaultLateTolerance
	}
}

// withinTolerance reports whether ts (unix ms) is acceptable at wall time now.
func withinTolerance(ts int64, payloadType types.PayloadType, now time.Time) bool {
	t := time.UnixMilli(ts)
	if t.After(now.Add(FutureTolerance)) {
		return false
	}
	return !t.Before(now.Add(-lateTolerance(payloadType)))
}
