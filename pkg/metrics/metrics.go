// Package metrics defines the observability interfaces of the transfer
// engine and the registry gate backing their Prometheus implementations.
//
// All interfaces are optional: pass nil to disable collection with zero
// overhead.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection with a fresh registry. Must be
// called before any metrics implementation is constructed.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// IsEnabled reports whether metrics collection is enabled.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// EngineMetrics provides observability for the transfer data plane.
//
// Implementations record protocol traffic, payload throughput, and worker
// activity. This interface is optional - pass nil to disable metrics
// collection with zero overhead.
type EngineMetrics interface {
	// SessionStarted increments the active session gauge.
	SessionStarted()

	// SessionEnded decrements the active session gauge and counts the
	// outcome.
	SessionEnded(failed bool)

	// BytesWritten counts payload bytes observed delivery-complete by
	// the transmitter.
	BytesWritten(n int)

	// BytesReleased counts payload bytes the receiver released to its
	// sink.
	BytesReleased(n int)

	// ProgressSent and ProgressReceived count progress messages.
	ProgressSent()
	ProgressReceived()

	// VectorSent and VectorReceived count vector messages with their
	// advertisement counts.
	VectorSent(niovs int)
	VectorReceived(niovs int)

	// FragmentAllocated counts oversize-load fragmentations.
	FragmentAllocated()

	// WorkerLoad records a worker's serviced-completion load average
	// (0.0 to 1.0).
	WorkerLoad(worker int, load float64)
}
