package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "raster"
)

var (
	// CacheNamespace is the prometheus namespace of block cache operations
	CacheNamespace = metrics.NewNamespace(NamespacePrefix, "cache", nil)

	// LockNamespace is the prometheus namespace of dataset lock operations
	LockNamespace = metrics.NewNamespace(NamespacePrefix, "lock", nil)

	// DriverNamespace is the prometheus namespace of driver block codec calls
	DriverNamespace = metrics.NewNamespace(NamespacePrefix, "driver", nil)

	// IONamespace is the prometheus namespace of windowed transfers
	IONamespace = metrics.NewNamespace(NamespacePrefix, "io", nil)
)
