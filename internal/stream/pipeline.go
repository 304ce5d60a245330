package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/health"
	"github.com/msu907/trackviz/internal/metrics"
)

// pipelineSettings are bound once when a stream is created and shared by all
// of its subscribers.
type pipelineSettings struct {
	capacity    int
	debounce    time.Duration
	throttle    time.Duration
	batchWindow time.Duration
	batchMax    int
	replaySize  int
}

type pipelineCmd interface{ isPipelineCmd() }

type replayRequestCmd struct {
	clientID string
}

func (replayRequestCmd) isPipelineCmd() {}

// pipeline is the single-writer owner of one widget stream's pending buffer
// and its debounce → throttle → batch stages. Updates enter through the
// inbox channel and leave as batches through the sink.
type pipeline struct {
	widgetID string
	settings pipelineSettings
	clock    clockwork.Clock
	sink     Sink
	monitor  *health.Monitor

	inbox   chan *domain.VisualizationUpdate
	control chan pipelineCmd

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// buffered mirrors len(buffer) so the registry can apply the capacity
	// policy without reaching into pipeline-owned state.
	buffered atomic.Int64

	buffer   []*domain.VisualizationUpdate
	batch    []*domain.VisualizationUpdate
	replay   *replayRing
	lastEmit time.Time
}

func newPipeline(widgetID string, settings pipelineSettings, clock clockwork.Clock, sink Sink, monitor *health.Monitor) *pipeline {
	p := &pipeline{
		widgetID: widgetID,
		settings: settings,
		clock:    clock,
		sink:     sink,
		monitor:  monitor,
		inbox:    make(chan *domain.VisualizationUpdate, settings.capacity),
		control:  make(chan pipelineCmd, 16),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		replay:   newReplayRing(settings.replaySize),
	}
	go p.run()
	return p
}

// enqueue hands an update to the pipeline without blocking. A false return
// means the inbox was full and the update was not accepted.
func (p *pipeline) enqueue(update *domain.VisualizationUpdate) bool {
	select {
	case p.inbox <- update:
		return true
	default:
		return false
	}
}

// requestReplay asks the pipeline to deliver its replay ring to one client.
// Best effort: dropped silently if the control queue is full.
func (p *pipeline) requestReplay(clientID string) {
	select {
	case p.control <- replayRequestCmd{clientID: clientID}:
	default:
	}
}

// pending reports the current depth of the stream's bounded buffer.
func (p *pipeline) pending() int {
	return int(p.buffered.Load())
}

// stop tears the pipeline down. Pending buffer and batch contents are
// discarded, matching stream teardown semantics.
func (p *pipeline) stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

func (p *pipeline) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stream pipeline panic recovered", "widget_id", p.widgetID, "panic", r)
			p.monitor.RecordError("pipeline")
		}
	}()

	batchTicker := p.clock.NewTicker(p.settings.batchWindow)
	defer batchTicker.Stop()
	defer close(p.done)

	debounceTimer := p.clock.NewTimer(time.Hour)
	if !debounceTimer.Stop() {
		<-debounceTimer.Chan()
	}
	defer debounceTimer.Stop()
	armed := false

	for {
		select {
		case <-p.stopCh:
			return

		case update := <-p.inbox:
			p.accept(update)
			if p.settings.debounce <= 0 {
				p.conflate()
			} else {
				debounceTimer.Reset(p.settings.debounce)
				armed = true
			}

		case <-debounceTimer.Chan():
			if !armed {
				continue
			}
			armed = false
			p.conflate()

		case <-batchTicker.Chan():
			p.flush()

		case cmd := <-p.control:
			switch c := cmd.(type) {
			case replayRequestCmd:
				p.handleReplay(c)
			}
		}
	}
}

// accept applies the capacity policy and appends the update to the pending
// buffer. The registry sheds LOW pushes on the mirrored buffer depth before
// they get here; this owns the eviction policy and its accounting, so pushes
// that raced past that check are still counted.
func (p *pipeline) accept(update *domain.VisualizationUpdate) {
	if len(p.buffer) >= p.settings.capacity {
		if update.Priority == domain.PriorityLow {
			metrics.UpdatesDropped.WithLabelValues("buffer_full").Inc()
			return
		}
		p.buffer = p.buffer[1:]
		p.monitor.RecordBackpressure()
		metrics.BackpressureEvents.Inc()
		metrics.UpdatesDropped.WithLabelValues("evicted").Inc()
	}
	p.buffer = append(p.buffer, update)
	p.buffered.Store(int64(len(p.buffer)))
}

// conflate resolves a debounce window: the newest pending update survives,
// the rest of the burst is discarded, and the survivor passes the throttle
// gate into the batch accumulator.
func (p *pipeline) conflate() {
	if len(p.buffer) == 0 {
		return
	}

	survivor := p.buffer[len(p.buffer)-1]
	if discarded := len(p.buffer) - 1; discarded > 0 {
		metrics.UpdatesDropped.WithLabelValues("debounced").Add(float64(discarded))
	}
	p.buffer = p.buffer[:0]
	p.buffered.Store(0)

	now := p.clock.Now()
	if !p.lastEmit.IsZero() && now.Sub(p.lastEmit) < p.settings.throttle {
		metrics.UpdatesDropped.WithLabelValues("throttled").Inc()
		return
	}
	p.lastEmit = now

	p.batch = append(p.batch, survivor)
	if len(p.batch) >= p.settings.batchMax {
		p.flush()
	}
}

// flush delivers the accumulated batch, records it in the replay ring, and
// observes pipeline latency per update. Empty batches are never delivered.
func (p *pipeline) flush() {
	if len(p.batch) == 0 {
		return
	}

	batch := p.batch
	p.batch = nil

	now := p.clock.Now()
	for _, update := range batch {
		p.replay.Add(update)
		metrics.UpdateLatency.Observe(now.Sub(update.Timestamp).Seconds())
	}
	metrics.BatchesDelivered.Inc()
	metrics.BatchSize.Observe(float64(len(batch)))

	p.sink.DeliverBatch(p.widgetID, batch)
}

func (p *pipeline) handleReplay(c replayRequestCmd) {
	updates := p.replay.Snapshot()
	if len(updates) == 0 {
		return
	}
	p.sink.DeliverReplay(c.clientID, p.widgetID, updates)
}
