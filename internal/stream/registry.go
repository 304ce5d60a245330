package stream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/health"
	"github.com/msu907/trackviz/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	cmdBufferSize  = 1024
)

// Sink receives pipeline output and subscription lifecycle notices. The
// registry and its pipelines call these from their own goroutines, so
// implementations must not block; a stalled consumer loses batches rather
// than stalling ingestion.
type Sink interface {
	// DeliverBatch hands one ordered batch for fan-out to every subscriber
	// of the widget.
	DeliverBatch(widgetID string, updates []*domain.VisualizationUpdate)
	// DeliverReplay hands retained updates for exactly one client that just
	// subscribed.
	DeliverReplay(clientID, widgetID string, updates []*domain.VisualizationUpdate)
	// SubscriptionReaped reports that the idle reaper removed a
	// subscription on the client's behalf.
	SubscriptionReaped(clientID, widgetID string)
}

// Config carries the registry's tunables, all bound at construction.
type Config struct {
	MaxBufferSize     int
	DefaultBufferSize int
	DebounceWindow    time.Duration
	ThrottleSpacing   time.Duration
	BatchWindow       time.Duration
	BatchMaxSize      int
	ReplayBufferSize  int
	IdleThreshold     time.Duration
	ReaperInterval    time.Duration
}

// SubscribeOptions tune the stream created by the first subscriber of a
// widget. Later subscribers share that stream, options included.
//
// A zero BufferSize or Debounce selects the engine default; a negative
// Debounce disables debouncing so every update is conflated immediately.
type SubscribeOptions struct {
	BufferSize int
	Debounce   time.Duration
}

// Subscription is the handle returned from Subscribe, echoing the settings
// actually bound to the stream.
type Subscription struct {
	ClientID   string
	WidgetID   string
	BufferSize int
	Debounce   time.Duration
}

// Stats is a point-in-time summary of registry state.
type Stats struct {
	Streams         int `json:"streams"`
	Subscriptions   int `json:"subscriptions"`
	BufferedUpdates int `json:"bufferedUpdates"`
}

type widgetStream struct {
	id          string
	widgetType  string
	settings    pipelineSettings
	pipeline    *pipeline
	subscribers map[string]time.Time
	pushCreated bool
	lastPush    time.Time
}

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type subscribeCmd struct {
	baseRegistryCmd
	clientID   string
	widgetID   string
	widgetType string
	opts       SubscribeOptions
	reply      chan Subscription
}

type unsubscribeCmd struct {
	baseRegistryCmd
	clientID string
	widgetID string
}

type pushCmd struct {
	baseRegistryCmd
	widgetID string
	payload  []byte
	priority domain.Priority
	received time.Time
}

type touchCmd struct {
	baseRegistryCmd
	clientID string
}

type statsCmd struct {
	baseRegistryCmd
	reply chan Stats
}

type subscribersCmd struct {
	baseRegistryCmd
	widgetID string
	reply    chan []string
}

type pendingCmd struct {
	baseRegistryCmd
	widgetID string
	reply    chan int
}

type stopRegistryCmd struct {
	baseRegistryCmd
}

// Registry is the single-writer owner of all widget streams. One goroutine
// consumes commands and the reaper tick; no stream or subscription state is
// touched from anywhere else.
type Registry struct {
	cmdCh   chan registryCmd
	clock   clockwork.Clock
	cfg     Config
	sink    Sink
	monitor *health.Monitor

	streams            map[string]*widgetStream
	clients            map[string]map[string]struct{}
	totalSubscriptions int

	done    chan struct{}
	stopped chan struct{}
}

// NewRegistry creates a registry. Start must be called exactly once, with
// the delivery sink, before any other method.
func NewRegistry(cfg Config, monitor *health.Monitor, clock clockwork.Clock) *Registry {
	return &Registry{
		cmdCh:   make(chan registryCmd, cmdBufferSize),
		clock:   clock,
		cfg:     cfg,
		monitor: monitor,
		streams: make(map[string]*widgetStream),
		clients: make(map[string]map[string]struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start binds the sink and launches the registry goroutine. The sink is a
// constructor-time concern everywhere else; it arrives here instead because
// the connection layer and the registry reference each other.
func (r *Registry) Start(sink Sink) {
	r.sink = sink
	go r.run()
}

// Subscribe registers clientID's interest in widgetID, creating the stream
// on first use. Unknown widget ids are not an error; streams come into
// existence on demand.
func (r *Registry) Subscribe(clientID, widgetID, widgetType string, opts SubscribeOptions) (Subscription, error) {
	reply := make(chan Subscription, 1)
	cmd := subscribeCmd{clientID: clientID, widgetID: widgetID, widgetType: widgetType, opts: opts, reply: reply}

	select {
	case r.cmdCh <- cmd:
	case <-r.stopped:
		return Subscription{}, domain.ErrEngineStopped
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case sub := <-reply:
		return sub, nil
	case <-r.stopped:
		return Subscription{}, domain.ErrEngineStopped
	case <-timer.Chan():
		return Subscription{}, fmt.Errorf("subscribe command timed out after %v", commandTimeout)
	}
}

// Unsubscribe removes clientID's interest in widgetID. Idempotent; removing
// a subscription that does not exist is a no-op.
func (r *Registry) Unsubscribe(clientID, widgetID string) {
	select {
	case r.cmdCh <- unsubscribeCmd{clientID: clientID, widgetID: widgetID}:
	case <-r.stopped:
	}
}

// PushUpdate ingests one raw update for a widget. Fire and forget: transform
// failures and overload drops are counted, never returned.
func (r *Registry) PushUpdate(widgetID string, payload []byte, priority domain.Priority) {
	select {
	case <-r.stopped:
		return
	default:
	}

	cmd := pushCmd{widgetID: widgetID, payload: payload, priority: priority, received: r.clock.Now()}
	select {
	case r.cmdCh <- cmd:
	default:
		metrics.UpdatesDropped.WithLabelValues("registry_stalled").Inc()
		slog.Warn("Dropping update: registry command queue full", "widget_id", widgetID)
	}
}

// Touch refreshes the activity timestamp of every subscription held by
// clientID. Called on any inbound traffic from that client.
func (r *Registry) Touch(clientID string) {
	select {
	case r.cmdCh <- touchCmd{clientID: clientID}:
	default:
	}
}

// Stats reports current stream, subscription, and buffered-update counts.
func (r *Registry) Stats() Stats {
	reply := make(chan Stats, 1)

	select {
	case r.cmdCh <- statsCmd{reply: reply}:
	case <-r.stopped:
		return Stats{}
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case stats := <-reply:
		return stats
	case <-r.stopped:
		return Stats{}
	case <-timer.Chan():
		slog.Warn("Stats command timed out", "timeout", commandTimeout)
		return Stats{}
	}
}

// Subscribers returns the client ids currently subscribed to widgetID.
func (r *Registry) Subscribers(widgetID string) []string {
	reply := make(chan []string, 1)

	select {
	case r.cmdCh <- subscribersCmd{widgetID: widgetID, reply: reply}:
	case <-r.stopped:
		return nil
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case subscribers := <-reply:
		return subscribers
	case <-r.stopped:
		return nil
	case <-timer.Chan():
		return nil
	}
}

// BufferedCount reports the pending buffer depth for one widget, 0 when the
// stream does not exist.
func (r *Registry) BufferedCount(widgetID string) int {
	reply := make(chan int, 1)

	select {
	case r.cmdCh <- pendingCmd{widgetID: widgetID, reply: reply}:
	case <-r.stopped:
		return 0
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-r.stopped:
		return 0
	case <-timer.Chan():
		return 0
	}
}

// Stop shuts the registry down, tearing down every stream. Blocks until the
// registry goroutine has exited or the stop timeout is reached.
func (r *Registry) Stop() {
	select {
	case r.cmdCh <- stopRegistryCmd{}:
	case <-r.stopped:
		return
	}

	timer := r.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
		slog.Info("Stream registry stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Stream registry stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (r *Registry) run() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Stream registry panic recovered", "panic", rec)
			r.monitor.RecordError("registry")
		}
	}()

	reaper := r.clock.NewTicker(r.cfg.ReaperInterval)
	defer reaper.Stop()
	defer close(r.done)

	for {
		select {
		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case subscribeCmd:
				r.handleSubscribe(c)
			case unsubscribeCmd:
				r.handleUnsubscribe(c.clientID, c.widgetID)
			case pushCmd:
				r.handlePush(c)
			case touchCmd:
				r.handleTouch(c)
			case statsCmd:
				c.reply <- r.handleStats()
			case subscribersCmd:
				c.reply <- r.handleSubscribers(c.widgetID)
			case pendingCmd:
				c.reply <- r.handlePending(c.widgetID)
			case stopRegistryCmd:
				r.handleStop()
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}

		case <-reaper.Chan():
			r.sweep()
		}
	}
}

func (r *Registry) handleSubscribe(c subscribeCmd) {
	s, exists := r.streams[c.widgetID]
	if !exists {
		s = r.createStream(c.widgetID, c.widgetType, r.settingsFor(c.opts), false)
	}

	if _, already := s.subscribers[c.clientID]; !already {
		s.subscribers[c.clientID] = r.clock.Now()

		widgets, ok := r.clients[c.clientID]
		if !ok {
			widgets = make(map[string]struct{})
			r.clients[c.clientID] = widgets
		}
		widgets[c.widgetID] = struct{}{}

		r.totalSubscriptions++
		r.publishGauges()

		slog.Debug("Client subscribed", "client_id", c.clientID, "widget_id", c.widgetID, "subscribers", len(s.subscribers))
	} else {
		s.subscribers[c.clientID] = r.clock.Now()
	}

	if s.settings.replaySize > 0 {
		s.pipeline.requestReplay(c.clientID)
	}

	c.reply <- Subscription{
		ClientID:   c.clientID,
		WidgetID:   c.widgetID,
		BufferSize: s.settings.capacity,
		Debounce:   s.settings.debounce,
	}
}

func (r *Registry) handleUnsubscribe(clientID, widgetID string) {
	s, exists := r.streams[widgetID]
	if !exists {
		return
	}
	if _, subscribed := s.subscribers[clientID]; !subscribed {
		return
	}

	delete(s.subscribers, clientID)
	if widgets, ok := r.clients[clientID]; ok {
		delete(widgets, widgetID)
		if len(widgets) == 0 {
			delete(r.clients, clientID)
		}
	}
	r.totalSubscriptions--

	if len(s.subscribers) == 0 {
		r.teardownStream(widgetID)
		slog.Info("Last subscriber left, stream torn down", "widget_id", widgetID)
	} else {
		slog.Debug("Client unsubscribed", "client_id", clientID, "widget_id", widgetID, "remaining", len(s.subscribers))
	}

	r.publishGauges()
}

func (r *Registry) handlePush(c pushCmd) {
	update, err := domain.TransformUpdate(c.widgetID, c.payload, c.priority, r.clock.Now())
	if err != nil {
		metrics.UpdatesDropped.WithLabelValues("invalid").Inc()
		r.monitor.RecordError("registry")
		slog.Warn("Rejected update", "widget_id", c.widgetID, "error", err)
		return
	}

	s, exists := r.streams[c.widgetID]
	if !exists {
		settings := r.settingsFor(SubscribeOptions{BufferSize: r.cfg.MaxBufferSize})
		s = r.createStream(c.widgetID, "", settings, true)
	}
	s.lastPush = r.clock.Now()

	// LOW is shed here on the mirrored depth; eviction of the oldest and
	// its backpressure accounting happen inside the pipeline.
	if s.pipeline.pending() >= s.settings.capacity && update.Priority == domain.PriorityLow {
		metrics.UpdatesDropped.WithLabelValues("buffer_full").Inc()
		return
	}

	if !s.pipeline.enqueue(update) {
		metrics.UpdatesDropped.WithLabelValues("sink_stalled").Inc()
		slog.Warn("Dropping update: pipeline inbox full", "widget_id", c.widgetID)
		return
	}

	metrics.UpdatesIngested.WithLabelValues(string(update.Priority)).Inc()
	r.monitor.RecordProcessed(r.clock.Now().Sub(c.received))
}

func (r *Registry) handleTouch(c touchCmd) {
	widgets, ok := r.clients[c.clientID]
	if !ok {
		return
	}

	now := r.clock.Now()
	for widgetID := range widgets {
		if s, exists := r.streams[widgetID]; exists {
			s.subscribers[c.clientID] = now
		}
	}
}

func (r *Registry) handleStats() Stats {
	buffered := 0
	for _, s := range r.streams {
		buffered += s.pipeline.pending()
	}
	return Stats{
		Streams:         len(r.streams),
		Subscriptions:   r.totalSubscriptions,
		BufferedUpdates: buffered,
	}
}

func (r *Registry) handleSubscribers(widgetID string) []string {
	s, exists := r.streams[widgetID]
	if !exists {
		return nil
	}

	subscribers := make([]string, 0, len(s.subscribers))
	for clientID := range s.subscribers {
		subscribers = append(subscribers, clientID)
	}
	return subscribers
}

func (r *Registry) handlePending(widgetID string) int {
	s, exists := r.streams[widgetID]
	if !exists {
		return 0
	}
	return s.pipeline.pending()
}

// sweep removes subscription pairs idle past the threshold and tears down
// push-created streams nothing has touched in as long.
func (r *Registry) sweep() {
	now := r.clock.Now()

	type pair struct {
		clientID string
		widgetID string
	}
	var reaped []pair

	for widgetID, s := range r.streams {
		for clientID, lastActivity := range s.subscribers {
			if now.Sub(lastActivity) > r.cfg.IdleThreshold {
				reaped = append(reaped, pair{clientID: clientID, widgetID: widgetID})
			}
		}

		if len(s.subscribers) == 0 && s.pushCreated && now.Sub(s.lastPush) > r.cfg.IdleThreshold {
			r.teardownStream(widgetID)
			slog.Info("Reaped idle push-created stream", "widget_id", widgetID)
		}
	}

	for _, p := range reaped {
		r.handleUnsubscribe(p.clientID, p.widgetID)
		metrics.SubscriptionsReaped.Inc()
		slog.Info("Reaped idle subscription", "client_id", p.clientID, "widget_id", p.widgetID)
		r.sink.SubscriptionReaped(p.clientID, p.widgetID)
	}
}

func (r *Registry) handleStop() {
	close(r.stopped)

	slog.Info("Stream registry shutting down", "streams", len(r.streams), "subscriptions", r.totalSubscriptions)

	for widgetID := range r.streams {
		r.teardownStream(widgetID)
	}
	r.clients = make(map[string]map[string]struct{})
	r.totalSubscriptions = 0
	r.publishGauges()
}

func (r *Registry) createStream(widgetID, widgetType string, settings pipelineSettings, pushCreated bool) *widgetStream {
	s := &widgetStream{
		id:          widgetID,
		widgetType:  widgetType,
		settings:    settings,
		pipeline:    newPipeline(widgetID, settings, r.clock, r.sink, r.monitor),
		subscribers: make(map[string]time.Time),
		pushCreated: pushCreated,
		lastPush:    r.clock.Now(),
	}
	r.streams[widgetID] = s
	metrics.StreamsCurrent.Set(float64(len(r.streams)))

	slog.Debug("Stream created", "widget_id", widgetID, "widget_type", widgetType, "capacity", settings.capacity, "push_created", pushCreated)
	return s
}

func (r *Registry) teardownStream(widgetID string) {
	s, exists := r.streams[widgetID]
	if !exists {
		return
	}

	s.pipeline.stop()
	delete(r.streams, widgetID)
	metrics.StreamsCurrent.Set(float64(len(r.streams)))
}

func (r *Registry) settingsFor(opts SubscribeOptions) pipelineSettings {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = r.cfg.DefaultBufferSize
	}
	if bufferSize > r.cfg.MaxBufferSize {
		bufferSize = r.cfg.MaxBufferSize
	}

	debounce := opts.Debounce
	if debounce == 0 {
		debounce = r.cfg.DebounceWindow
	}
	if debounce < 0 {
		debounce = 0
	}

	return pipelineSettings{
		capacity:    bufferSize,
		debounce:    debounce,
		throttle:    r.cfg.ThrottleSpacing,
		batchWindow: r.cfg.BatchWindow,
		batchMax:    r.cfg.BatchMaxSize,
		replaySize:  r.cfg.ReplayBufferSize,
	}
}

// publishGauges mirrors subscription totals to the health snapshot and
// Prometheus. Active streams counts subscriptions, keeping the historical
// meaning of that field; distinct live streams are tracked separately.
func (r *Registry) publishGauges() {
	r.monitor.SetActiveStreams(r.totalSubscriptions)
	metrics.SubscriptionsCurrent.Set(float64(r.totalSubscriptions))
}
