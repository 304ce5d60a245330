package connection

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/health"
	"github.com/msu907/trackviz/internal/logging"
	"github.com/msu907/trackviz/internal/metrics"
	"github.com/msu907/trackviz/internal/stream"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	cmdBufferSize  = 1024
)

// SubscriptionService is the slice of the stream registry the manager
// delegates control messages to.
type SubscriptionService interface {
	Subscribe(clientID, widgetID, widgetType string, opts stream.SubscribeOptions) (stream.Subscription, error)
	Unsubscribe(clientID, widgetID string)
	Touch(clientID string)
}

// Config carries the manager's tunables, bound at construction.
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	CompressionThreshold int
	FrameWorkers         int
}

type client struct {
	id            string
	caps          domain.Capabilities
	writer        *clientWriter
	connectedAt   time.Time
	subscriptions map[string]struct{}
}

type managerCmd interface{ isManagerCmd() }

type baseManagerCmd struct{}

func (baseManagerCmd) isManagerCmd() {}

type connectCmd struct {
	baseManagerCmd
	conn  *websocket.Conn
	caps  domain.Capabilities
	reply chan string
}

type disconnectCmd struct {
	baseManagerCmd
	clientID string
	reason   string
}

type subscribedCmd struct {
	baseManagerCmd
	clientID string
	widgetID string
}

type unsubscribedCmd struct {
	baseManagerCmd
	clientID string
	widgetID string
}

type pongReplyCmd struct {
	baseManagerCmd
	clientID string
}

type deliverCmd struct {
	baseManagerCmd
	targetClient string
	frame        *preparedFrame
}

type reapedCmd struct {
	baseManagerCmd
	clientID string
	widgetID string
}

type clientCountCmd struct {
	baseManagerCmd
	reply chan int
}

type stopManagerCmd struct {
	baseManagerCmd
}

// Manager is the single-writer owner of all client connections. One
// goroutine consumes commands and the liveness sweep; the client table and
// the widget→subscriber index are never touched from anywhere else.
//
// It implements stream.Sink: delivered batches are serialized (and, above
// the threshold, compressed) once on the frame pool, then fanned out to
// every open subscriber by capability.
type Manager struct {
	cmdCh   chan managerCmd
	clock   clockwork.Clock
	cfg     Config
	subs    SubscriptionService
	monitor *health.Monitor
	pool    *framePool

	clients     map[string]*client
	widgetIndex map[string]map[string]struct{}

	done    chan struct{}
	stopped chan struct{}
}

var _ stream.Sink = (*Manager)(nil)

// NewManager creates a connection manager. Start must be called exactly once
// before any other method.
func NewManager(cfg Config, subs SubscriptionService, monitor *health.Monitor, clock clockwork.Clock) *Manager {
	m := &Manager{
		cmdCh:       make(chan managerCmd, cmdBufferSize),
		clock:       clock,
		cfg:         cfg,
		subs:        subs,
		monitor:     monitor,
		clients:     make(map[string]*client),
		widgetIndex: make(map[string]map[string]struct{}),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	m.pool = newFramePool(cfg.FrameWorkers, cfg.CompressionThreshold, m.deliverPrepared, m.framePreparationFailed)
	return m
}

// Start launches the manager goroutine.
func (m *Manager) Start() {
	go m.run()
}

// Connect registers a freshly upgraded connection and returns its generated
// client id. The welcome frame carrying the id is queued before any update
// can reach the client.
func (m *Manager) Connect(conn *websocket.Conn, caps domain.Capabilities) (string, error) {
	reply := make(chan string, 1)

	select {
	case m.cmdCh <- connectCmd{conn: conn, caps: caps, reply: reply}:
	case <-m.stopped:
		return "", domain.ErrEngineStopped
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case clientID := <-reply:
		return clientID, nil
	case <-m.stopped:
		return "", domain.ErrEngineStopped
	case <-timer.Chan():
		return "", fmt.Errorf("connect command timed out after %v", commandTimeout)
	}
}

// ReadPump consumes inbound frames until the connection drops, then tears
// the client down. Runs on the HTTP handler goroutine.
func (m *Manager) ReadPump(clientID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		m.handleInbound(clientID, data)
	}

	m.Disconnect(clientID, "connection closed")
}

// Disconnect removes the client and all of its subscriptions. Idempotent.
func (m *Manager) Disconnect(clientID, reason string) {
	select {
	case m.cmdCh <- disconnectCmd{clientID: clientID, reason: reason}:
	case <-m.stopped:
	}
}

// ClientCount reports the number of open connections.
func (m *Manager) ClientCount() int {
	reply := make(chan int, 1)

	select {
	case m.cmdCh <- clientCountCmd{reply: reply}:
	case <-m.stopped:
		return 0
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-m.stopped:
		return 0
	case <-timer.Chan():
		slog.Warn("ClientCount command timed out", "timeout", commandTimeout)
		return 0
	}
}

// Stop closes every connection and shuts the manager down. Blocks until the
// manager goroutine has exited or the stop timeout is reached.
func (m *Manager) Stop() {
	select {
	case m.cmdCh <- stopManagerCmd{}:
	case <-m.stopped:
		return
	}

	timer := m.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-m.done:
		slog.Info("Connection manager stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Connection manager stop timeout exceeded", "timeout", stopTimeout)
	}

	m.pool.stop()
}

// DeliverBatch implements stream.Sink. Called from pipeline goroutines; must
// not block, so the batch goes straight to the frame pool.
func (m *Manager) DeliverBatch(widgetID string, updates []*domain.VisualizationUpdate) {
	if !m.pool.submit(frameJob{widgetID: widgetID, updates: updates}) {
		slog.Warn("Dropping batch: frame pool queue full", "widget_id", widgetID)
	}
}

// DeliverReplay implements stream.Sink, targeting one just-subscribed client.
func (m *Manager) DeliverReplay(clientID, widgetID string, updates []*domain.VisualizationUpdate) {
	if !m.pool.submit(frameJob{widgetID: widgetID, targetClient: clientID, updates: updates}) {
		slog.Warn("Dropping replay: frame pool queue full", "widget_id", widgetID, "client_id", clientID)
	}
}

// SubscriptionReaped implements stream.Sink. The registry already removed
// the subscription; the manager must mirror that in its index and tell the
// client, or the client keeps receiving frames it no longer subscribes to.
func (m *Manager) SubscriptionReaped(clientID, widgetID string) {
	m.send(reapedCmd{clientID: clientID, widgetID: widgetID})
}

// handleInbound parses and dispatches one control message. Runs on the read
// pump goroutine, so the blocking delegation to the registry never stalls
// the manager loop. Malformed input is counted and ignored; the connection
// stays open.
func (m *Manager) handleInbound(clientID string, data []byte) {
	var msg domain.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.WebSocketMessagesReceived.WithLabelValues("malformed").Inc()
		m.monitor.RecordError("protocol")
		slog.Warn("Malformed control message", "client_id", clientID, "error", err)
		return
	}

	m.subs.Touch(clientID)

	switch msg.Type {
	case domain.MessageSubscribe:
		if msg.WidgetID == "" {
			metrics.WebSocketMessagesReceived.WithLabelValues("malformed").Inc()
			m.monitor.RecordError("protocol")
			return
		}
		metrics.WebSocketMessagesReceived.WithLabelValues(domain.MessageSubscribe).Inc()

		if _, err := m.subs.Subscribe(clientID, msg.WidgetID, "", stream.SubscribeOptions{}); err != nil {
			m.monitor.RecordError("connection")
			slog.Warn("Subscribe failed", "client_id", clientID, "widget_id", msg.WidgetID, "error", err)
			return
		}
		m.send(subscribedCmd{clientID: clientID, widgetID: msg.WidgetID})

	case domain.MessageUnsubscribe:
		if msg.WidgetID == "" {
			metrics.WebSocketMessagesReceived.WithLabelValues("malformed").Inc()
			m.monitor.RecordError("protocol")
			return
		}
		metrics.WebSocketMessagesReceived.WithLabelValues(domain.MessageUnsubscribe).Inc()

		m.subs.Unsubscribe(clientID, msg.WidgetID)
		m.send(unsubscribedCmd{clientID: clientID, widgetID: msg.WidgetID})

	case domain.MessagePing:
		metrics.WebSocketMessagesReceived.WithLabelValues(domain.MessagePing).Inc()
		m.send(pongReplyCmd{clientID: clientID})

	default:
		metrics.WebSocketMessagesReceived.WithLabelValues("unknown").Inc()
		m.monitor.RecordError("protocol")
		slog.Warn("Unknown control message type", "client_id", clientID, "type", msg.Type)
	}
}

func (m *Manager) send(cmd managerCmd) {
	select {
	case m.cmdCh <- cmd:
	case <-m.stopped:
	}
}

// deliverPrepared is the frame pool's completion callback. Non-blocking by
// design: a manager loop that cannot keep up loses batches, not liveness.
func (m *Manager) deliverPrepared(job frameJob, frame *preparedFrame) {
	select {
	case m.cmdCh <- deliverCmd{targetClient: job.targetClient, frame: frame}:
	case <-m.stopped:
	default:
		metrics.FramePoolDrops.Inc()
		slog.Warn("Dropping prepared frame: manager command queue full", "widget_id", frame.widgetID)
	}
}

// framePreparationFailed aborts delivery for one batch. Subscriptions are
// untouched; the next batch gets a clean attempt.
func (m *Manager) framePreparationFailed(widgetID string, err error) {
	m.monitor.RecordError("broadcast")
	logging.WithWidget(widgetID).Error("Frame preparation failed", "error", err)
}

func (m *Manager) run() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Connection manager panic recovered", "panic", rec)
			m.monitor.RecordError("connection")
		}
	}()

	sweep := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer sweep.Stop()
	defer close(m.done)

	for {
		select {
		case cmd := <-m.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				m.handleConnect(c)
			case disconnectCmd:
				m.terminate(c.clientID, c.reason, true)
			case subscribedCmd:
				m.handleSubscribed(c)
			case unsubscribedCmd:
				m.handleUnsubscribed(c.clientID, c.widgetID, domain.MessageUnsubscribed)
			case pongReplyCmd:
				m.handlePong(c.clientID)
			case deliverCmd:
				m.handleDeliver(c)
			case reapedCmd:
				m.handleUnsubscribed(c.clientID, c.widgetID, domain.MessageUnsubscribed)
			case clientCountCmd:
				c.reply <- len(m.clients)
			case stopManagerCmd:
				m.handleStop()
				return
			default:
				slog.Warn("Manager received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}

		case <-sweep.Chan():
			m.sweepStale()
		}
	}
}

func (m *Manager) handleConnect(c connectCmd) {
	cl := &client{
		id:            uuid.NewString(),
		caps:          c.caps,
		writer:        newClientWriter(c.conn, m.clock, m.cfg.HeartbeatInterval, m.cfg.HeartbeatTimeout),
		connectedAt:   m.clock.Now(),
		subscriptions: make(map[string]struct{}),
	}
	m.clients[cl.id] = cl

	metrics.WebSocketConnectionsCurrent.Set(float64(len(m.clients)))
	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()

	m.ack(cl, domain.ServerMessage{Type: domain.MessageConnected, ClientID: cl.id})

	logging.WithClient(cl.id).Info("Client connected",
		"compression", cl.caps.SupportsCompression, "protocol", cl.caps.ProtocolVersion,
		"total_clients", len(m.clients))

	c.reply <- cl.id
}

func (m *Manager) handleSubscribed(c subscribedCmd) {
	cl, exists := m.clients[c.clientID]
	if !exists {
		// Client vanished between the registry call and this command; undo.
		m.subs.Unsubscribe(c.clientID, c.widgetID)
		return
	}

	cl.subscriptions[c.widgetID] = struct{}{}
	index, ok := m.widgetIndex[c.widgetID]
	if !ok {
		index = make(map[string]struct{})
		m.widgetIndex[c.widgetID] = index
	}
	index[c.clientID] = struct{}{}

	cl.writer.recordActivity()
	m.ack(cl, domain.ServerMessage{Type: domain.MessageSubscribed, WidgetID: c.widgetID})
}

func (m *Manager) handleUnsubscribed(clientID, widgetID, ackType string) {
	cl, exists := m.clients[clientID]
	if !exists {
		return
	}

	delete(cl.subscriptions, widgetID)
	if index, ok := m.widgetIndex[widgetID]; ok {
		delete(index, clientID)
		if len(index) == 0 {
			delete(m.widgetIndex, widgetID)
		}
	}

	cl.writer.recordActivity()
	m.ack(cl, domain.ServerMessage{Type: ackType, WidgetID: widgetID})
}

func (m *Manager) handlePong(clientID string) {
	cl, exists := m.clients[clientID]
	if !exists {
		return
	}

	cl.writer.recordActivity()
	m.ack(cl, domain.ServerMessage{Type: domain.MessagePong})
}

func (m *Manager) handleDeliver(c deliverCmd) {
	if c.targetClient != "" {
		if cl, exists := m.clients[c.targetClient]; exists {
			m.sendFrame(cl, c.frame)
		}
		return
	}

	index, exists := m.widgetIndex[c.frame.widgetID]
	if !exists {
		return
	}

	var slow []string
	for clientID := range index {
		cl, ok := m.clients[clientID]
		if !ok {
			continue
		}
		if !m.sendFrame(cl, c.frame) {
			slow = append(slow, clientID)
		}
	}

	for _, clientID := range slow {
		metrics.WebSocketSlowClientsEvicted.Inc()
		slog.Warn("Evicting slow client", "client_id", clientID, "widget_id", c.frame.widgetID)
		m.terminate(clientID, "send queue full", false)
	}
}

// sendFrame picks the frame form by the client's own capability flag. A
// false return means the writer queue rejected it.
func (m *Manager) sendFrame(cl *client, frame *preparedFrame) bool {
	payload := frame.plain
	if cl.caps.SupportsCompression && frame.gzipped != nil {
		payload = frame.gzipped
	}
	return cl.writer.enqueue(payload)
}

func (m *Manager) ack(cl *client, msg domain.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.monitor.RecordError("connection")
		slog.Error("Failed to marshal server message", "type", msg.Type, "error", err)
		return
	}
	if !cl.writer.enqueue(data) {
		slog.Warn("Dropping acknowledgement: send queue full", "client_id", cl.id, "type", msg.Type)
	}
}

// sweepStale force-terminates connections that produced no traffic, pongs
// included, within the heartbeat timeout.
func (m *Manager) sweepStale() {
	var stale []string
	for clientID, cl := range m.clients {
		if cl.writer.activityAge() > m.cfg.HeartbeatTimeout {
			stale = append(stale, clientID)
		}
	}

	for _, clientID := range stale {
		metrics.WebSocketStaleDisconnects.Inc()
		slog.Info("Terminating stale connection", "client_id", clientID)
		m.terminate(clientID, "heartbeat timeout", false)
	}
}

// terminate is the single cleanup path for every disconnect flavor: client
// drop, slow eviction, liveness timeout, shutdown. Subscriptions go through
// the registry's normal unsubscribe.
func (m *Manager) terminate(clientID, reason string, clientInitiated bool) {
	cl, exists := m.clients[clientID]
	if !exists {
		return
	}

	for widgetID := range cl.subscriptions {
		m.subs.Unsubscribe(clientID, widgetID)
		if index, ok := m.widgetIndex[widgetID]; ok {
			delete(index, clientID)
			if len(index) == 0 {
				delete(m.widgetIndex, widgetID)
			}
		}
	}

	delete(m.clients, clientID)
	metrics.WebSocketConnectionsCurrent.Set(float64(len(m.clients)))
	metrics.WebSocketConnectionDuration.Observe(m.clock.Since(cl.connectedAt).Seconds())

	// The writer's stop waits for its goroutine; keep that off the manager
	// loop so one wedged connection cannot stall the rest.
	writer := cl.writer
	if clientInitiated {
		go writer.stop()
	} else {
		go writer.stopGraceful(reason)
	}

	logging.WithClient(clientID).Info("Client disconnected", "reason", reason, "total_clients", len(m.clients))
}

func (m *Manager) handleStop() {
	close(m.stopped)

	slog.Info("Connection manager shutting down", "clients", len(m.clients))

	for clientID, cl := range m.clients {
		for widgetID := range cl.subscriptions {
			m.subs.Unsubscribe(clientID, widgetID)
		}
		go cl.writer.stopGraceful("server shutting down")
		delete(m.clients, clientID)
	}
	m.widgetIndex = make(map[string]map[string]struct{})
	metrics.WebSocketConnectionsCurrent.Set(0)
}
