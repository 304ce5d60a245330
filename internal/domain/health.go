package domain

import "time"

// HealthMetrics is the nested counter block of a HealthStatus snapshot.
type HealthMetrics struct {
	ProcessedUpdates uint64 `json:"processedUpdates"`
	// AverageLatency is an exponential moving average of ingestion
	// processing time, in milliseconds.
	AverageLatency     float64 `json:"averageLatency"`
	BackpressureEvents uint64  `json:"backpressureEvents"`
}

// HealthStatus is the continuously replaced engine health snapshot.
// ErrorRate keeps its historical name: it is a cumulative error count.
type HealthStatus struct {
	ActiveStreams int           `json:"activeStreams"`
	ErrorRate     uint64        `json:"errorRate"`
	MemoryUsage   uint64        `json:"memoryUsage"`
	LastUpdate    time.Time     `json:"lastUpdate"`
	Metrics       HealthMetrics `json:"metrics"`
}
