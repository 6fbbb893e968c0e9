package attention

import (
	"time"

	"github.com/sensocto/sensocto-go/internal/types"
)

// LevelConfig maps an attention level to its window multiplier and clamp
// bounds. The clamp applies after every other factor so a boosted high level
// can never starve the connector and an idle one can never stall it forever.
type LevelConfig struct {
	Multiplier float64
	MinMs      int
	MaxMs      int
}

var levelConfigs = map[types.AttentionLevel]LevelConfig{
	types.AttentionHigh:   {Multiplier: 0.2, MinMs: 100, MaxMs: 500},
	types.AttentionMedium: {Multiplier: 1.0, MinMs: 500, MaxMs: 2000},
	types.AttentionLow:    {Multiplier: 4.0, MinMs: 2000, MaxMs: 10000},
	types.AttentionNone:   {Multiplier: 10.0, MinMs: 5000, MaxMs: 30000},
}

// ConfigFor returns the window configuration for a level.
func ConfigFor(level types.AttentionLevel) LevelConfig {
	if c, ok := levelConfigs[level]; ok {
		return c
	}
	return levelConfigs[types.AttentionNone]
}

const (
	// HoverBoost keeps an attribute at high attention briefly after the
	// pointer leaves it, so quick hover sweeps do not thrash the window.
	HoverBoost = 2 * time.Second
	// StaleAfter is how long an entry with no observers keeps level low
	// before the cleanup tick drops it to none.
	StaleAfter = 60 * time.Second
	// CleanupInterval is the cadence of the stale-entry sweep.
	CleanupInterval = 30 * time.Second
)
