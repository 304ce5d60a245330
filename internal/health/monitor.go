package health

import (
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/metrics"
)

// latencyAlpha is the EMA smoothing factor for average ingestion latency.
const latencyAlpha = 0.2

// memorySampleInterval caps how often runtime.ReadMemStats runs. The call
// briefly stops the world, so the snapshot tolerates up to a second of
// staleness instead of paying that cost on every read.
const memorySampleInterval = time.Second

// Monitor owns the engine health snapshot. Every stage of the engine reports
// into it (enqueue success/drop, connection open/close, delivery errors);
// readers get an immutable copy via Snapshot.
type Monitor struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	status     domain.HealthStatus
	hasLatency bool

	lastMemSample time.Time
}

// NewMonitor creates a health monitor using the given clock for timestamps
// and memory sample pacing.
func NewMonitor(clock clockwork.Clock) *Monitor {
	return &Monitor{clock: clock}
}

// RecordProcessed counts one successfully enqueued update and folds the time
// spent ingesting it into the latency EMA.
func (m *Monitor) RecordProcessed(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.Metrics.ProcessedUpdates++

	sample := float64(latency.Microseconds()) / 1000.0
	if !m.hasLatency {
		m.status.Metrics.AverageLatency = sample
		m.hasLatency = true
	} else {
		m.status.Metrics.AverageLatency = latencyAlpha*sample + (1-latencyAlpha)*m.status.Metrics.AverageLatency
	}

	m.touchLocked()
}

// RecordBackpressure counts one update accepted while its stream buffer was
// at capacity.
func (m *Monitor) RecordBackpressure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.Metrics.BackpressureEvents++
	m.touchLocked()
}

// RecordError counts one contained component error.
func (m *Monitor) RecordError(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.ErrorRate++
	m.touchLocked()

	metrics.EngineErrors.WithLabelValues(component).Inc()
}

// SetActiveStreams replaces the active stream count, recomputed by the
// registry as the sum of subscriber-set sizes across all widgets.
func (m *Monitor) SetActiveStreams(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.ActiveStreams = n
	m.touchLocked()
}

// Snapshot returns a copy of the current health status with a fresh memory
// sample when the previous one is stale.
func (m *Monitor) Snapshot() domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.lastMemSample.IsZero() || now.Sub(m.lastMemSample) >= memorySampleInterval {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.status.MemoryUsage = stats.HeapInuse
		m.lastMemSample = now

		metrics.EngineMemoryBytes.Set(float64(stats.HeapInuse))
	}

	return m.status
}

func (m *Monitor) touchLocked() {
	m.status.LastUpdate = m.clock.Now()
}
