package connection

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func TestClientWriter_DeliversQueuedFrames(t *testing.T) {
	server, client := newTestConnPair(t)

	cw := newClientWriter(server, clockwork.NewRealClock(), time.Minute, 2*time.Minute)
	t.Cleanup(cw.stop)

	require.True(t, cw.enqueue([]byte(`{"n":1}`)))
	require.True(t, cw.enqueue([]byte(`{"n":2}`)))

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestClientWriter_EnqueueRejectsWhenFull(t *testing.T) {
	server, _ := newTestConnPair(t)

	// A writer that never runs drains nothing, so the queue fills.
	cw := &clientWriter{
		conn:   server,
		clock:  clockwork.NewRealClock(),
		sendCh: make(chan []byte, 2),
		doneCh: make(chan struct{}),
	}

	assert.True(t, cw.enqueue([]byte("a")))
	assert.True(t, cw.enqueue([]byte("b")))
	assert.False(t, cw.enqueue([]byte("c")))
}

func TestClientWriter_StopIdempotent(t *testing.T) {
	server, _ := newTestConnPair(t)

	cw := newClientWriter(server, clockwork.NewRealClock(), time.Minute, 2*time.Minute)

	cw.stop()
	cw.stop()
}

func TestClientWriter_GracefulStopSendsCloseFrame(t *testing.T) {
	server, client := newTestConnPair(t)

	cw := newClientWriter(server, clockwork.NewRealClock(), time.Minute, 2*time.Minute)
	go cw.stopGraceful("shutting down")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "shutting down", closeErr.Text)
}

func TestClientWriter_ActivityTracking(t *testing.T) {
	server, _ := newTestConnPair(t)

	clock := clockwork.NewFakeClock()
	cw := &clientWriter{
		conn:         server,
		clock:        clock,
		sendCh:       make(chan []byte, 1),
		doneCh:       make(chan struct{}),
		lastActivity: clock.Now(),
	}

	clock.Advance(30 * time.Second)
	assert.Equal(t, 30*time.Second, cw.activityAge())

	cw.recordActivity()
	assert.Equal(t, time.Duration(0), cw.activityAge())
}
