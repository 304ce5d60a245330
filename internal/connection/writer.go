package connection

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/metrics"
)

const (
	writeDeadline = 5 * time.Second
	sendQueueSize = 32
)

// clientWriter owns all writes to one websocket connection. Frames are
// queued on sendCh and written by a single goroutine, which also drives the
// heartbeat pings; nothing else may write to the connection.
type clientWriter struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration

	sendCh   chan []byte
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newClientWriter(conn *websocket.Conn, clock clockwork.Clock, heartbeatInterval, heartbeatTimeout time.Duration) *clientWriter {
	cw := &clientWriter{
		conn:         conn,
		clock:        clock,
		interval:     heartbeatInterval,
		timeout:      heartbeatTimeout,
		sendCh:       make(chan []byte, sendQueueSize),
		doneCh:       make(chan struct{}),
		lastActivity: clock.Now(),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(cw.interval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())

		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}

		case <-cw.doneCh:
			return
		}
	}
}

// enqueue queues one frame without blocking. A false return means the send
// queue is full and the client is falling behind.
func (cw *clientWriter) enqueue(msg []byte) bool {
	select {
	case cw.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a websocket close frame with a reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)

		// The run goroutine must exit before the close frame is written;
		// gorilla connections do not tolerate concurrent writers.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.conn.Close()
	})
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.conn.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.recordActivity()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.conn.SetReadDeadline(cw.clock.Now().Add(cw.timeout))
}

// recordActivity marks the connection as alive. Called from the pong handler
// and from the manager on any inbound control message.
func (cw *clientWriter) recordActivity() {
	cw.activityMu.Lock()
	defer cw.activityMu.Unlock()
	cw.lastActivity = cw.clock.Now()
}

func (cw *clientWriter) activityAge() time.Duration {
	cw.activityMu.Lock()
	defer cw.activityMu.Unlock()
	return cw.clock.Since(cw.lastActivity)
}
