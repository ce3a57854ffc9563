package raster

import (
	"time"

	"github.com/distribution/raster/configuration"
)

// Policy holds the engine settings read from configuration.
type Policy struct {
	// CacheMaxSize is the byte budget of all cached blocks.
	CacheMaxSize int64
	// CacheStrategy selects how bands index resident blocks.
	CacheStrategy configuration.CacheStrategy
	// ForceCachedIO routes band transfers through the block cache even when
	// the driver has its own windowed path.
	ForceCachedIO bool
	// OversamplingThreshold, when positive, replaces the per-algorithm
	// factor used to pick overviews.
	OversamplingThreshold float64
	// Locking tells whether update datasets engage their lock.
	Locking configuration.LockPolicy
	// LockWaitTimeout is the slice after which a blocked lock wait logs a
	// warning and keeps waiting.
	LockWaitTimeout time.Duration
	// Drivers holds per-driver factory parameters.
	Drivers map[string]map[string]any
}

// DefaultPolicy returns the policy of the default configuration.
func DefaultPolicy() Policy {
	return PolicyFromConfiguration(configuration.Default())
}

// PolicyFromConfiguration builds a Policy from a parsed configuration.
func PolicyFromConfiguration(config *configuration.Configuration) Policy {
	p := Policy{
		CacheMaxSize:          int64(config.Cache.MaxSize),
		CacheStrategy:         config.Cache.Strategy,
		ForceCachedIO:         config.IO.ForceCachedIO,
		OversamplingThreshold: config.IO.OversamplingThreshold,
		Locking:               config.Locking.Enabled,
		LockWaitTimeout:       config.Locking.WaitTimeout,
		Drivers:               make(map[string]map[string]any, len(config.Drivers)),
	}
	for name, params := range config.Drivers {
		p.Drivers[name] = params
	}
	return p.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.CacheMaxSize <= 0 {
		p.CacheMaxSize = configuration.DefaultCacheMaxSize
	}
	if p.CacheStrategy == "" {
		p.CacheStrategy = configuration.CacheStrategyAuto
	}
	if p.Locking == "" {
		p.Locking = configuration.LockAuto
	}
	if p.LockWaitTimeout <= 0 {
		p.LockWaitTimeout = time.Second
	}
	return p
}
