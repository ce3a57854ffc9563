package raster

import (
	prometheus "github.com/distribution/raster/metrics"
	"github.com/docker/go-metrics"
)

var (
	// cacheRequests counts block lookups by "hit" and "miss".
	cacheRequests = prometheus.CacheNamespace.NewLabeledCounter("requests", "The number of block cache lookups", "type")
	// cacheEvictions counts blocks leaving the cache by "clean", "dirty"
	// and "flush".
	cacheEvictions = prometheus.CacheNamespace.NewLabeledCounter("evictions", "The number of blocks removed from the cache", "type")
	// cacheBytes is the number of bytes held by cached blocks.
	cacheBytes = prometheus.CacheNamespace.NewGauge("bytes", "The number of bytes held by cached blocks", metrics.Bytes)

	lockAcquisitions = prometheus.LockNamespace.NewCounter("acquisitions", "The number of dataset lock acquisitions")
	lockWaits        = prometheus.LockNamespace.NewCounter("slow_waits", "The number of lock waits that exceeded the wait timeout")

	ioTransfers = prometheus.IONamespace.NewLabeledTimer("transfers", "The latency of windowed transfers", "direction", "strategy")
)

func init() {
	metrics.Register(prometheus.CacheNamespace)
	metrics.Register(prometheus.LockNamespace)
	metrics.Register(prometheus.IONamespace)
}
