package xnotify

import (
	"time"
)

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published           uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	Unauthorized        uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus is the bus health reported to liveness and readiness checks.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
