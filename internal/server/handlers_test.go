package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msu907/trackviz/internal/config"
	"github.com/msu907/trackviz/internal/connection"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/health"
	"github.com/msu907/trackviz/internal/relay"
	"github.com/msu907/trackviz/internal/stream"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                      "0",
		MaxBufferSize:             1000,
		DefaultBufferSize:         100,
		DebounceWindow:            10 * time.Millisecond,
		ThrottleSpacing:           time.Millisecond,
		BatchWindow:               20 * time.Millisecond,
		BatchMaxSize:              50,
		ReplayBufferSize:          16,
		IdleSubscriptionThreshold: 30 * time.Minute,
		ReaperInterval:            5 * time.Minute,
		HeartbeatInterval:         time.Second,
		HeartbeatTimeout:          3 * time.Second,
		CompressionThreshold:      1024,
		FrameWorkers:              2,
		MaxWebSocketConnections:   100,
		MaxConnectionsPerIP:       100,
		ConnectionRate:            1000,
		ConnectionBurst:           1000,
	}
}

// stubRelay satisfies RelayStatus with canned responses.
type stubRelay struct {
	pingErr error
	details []relay.InstanceInfo
}

func (s *stubRelay) Ping(context.Context) error { return s.pingErr }

func (s *stubRelay) InstanceDetails(context.Context) ([]relay.InstanceInfo, error) {
	return s.details, nil
}

// testServer assembles the full engine behind an httptest server: registry,
// connection manager, health monitor, HTTP surface.
func testServer(t *testing.T, cfg *config.Config) (*httptest.Server, *stream.Registry) {
	return testServerWithRelay(t, cfg, nil)
}

func testServerWithRelay(t *testing.T, cfg *config.Config, rs RelayStatus) (*httptest.Server, *stream.Registry) {
	t.Helper()

	clock := clockwork.NewRealClock()
	monitor := health.NewMonitor(clock)

	registry := stream.NewRegistry(stream.Config{
		MaxBufferSize:     cfg.MaxBufferSize,
		DefaultBufferSize: cfg.DefaultBufferSize,
		DebounceWindow:    cfg.DebounceWindow,
		ThrottleSpacing:   cfg.ThrottleSpacing,
		BatchWindow:       cfg.BatchWindow,
		BatchMaxSize:      cfg.BatchMaxSize,
		ReplayBufferSize:  cfg.ReplayBufferSize,
		IdleThreshold:     cfg.IdleSubscriptionThreshold,
		ReaperInterval:    cfg.ReaperInterval,
	}, monitor, clock)

	manager := connection.NewManager(connection.Config{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		CompressionThreshold: cfg.CompressionThreshold,
		FrameWorkers:         cfg.FrameWorkers,
	}, registry, monitor, clock)

	registry.Start(manager)
	manager.Start()
	t.Cleanup(func() {
		registry.Stop()
		manager.Stop()
	})

	srv := NewServer(cfg, registry, manager, monitor, registry, rs)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return ts, registry
}

func dialViz(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/viz"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleLiveness(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleReadiness_NoRelay(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
}

func TestHandleStatus_ReturnsHealthSnapshot(t *testing.T) {
	ts, registry := testServer(t, testConfig())

	registry.PushUpdate("w1", []byte(`{"value":1}`), domain.PriorityMedium)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/health/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var status domain.HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status.Metrics.ProcessedUpdates >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandleVersion(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["go_version"])
}

func TestHandleInstances_RelayDisabled(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/instances")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "disabled", body["relay"])
}

func TestHandleInstances_ListsActiveDetails(t *testing.T) {
	ts, _ := testServerWithRelay(t, testConfig(), &stubRelay{
		details: []relay.InstanceInfo{
			{InstanceID: "engine-1", Timestamp: 1700000000, Version: "1.2.3"},
			{InstanceID: "engine-2", Timestamp: 1700000010, Version: "1.2.3"},
		},
	})

	resp, err := http.Get(ts.URL + "/api/instances")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Instances []string             `json:"instances"`
		Details   []relay.InstanceInfo `json:"details"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"engine-1", "engine-2"}, body.Instances)
	require.Len(t, body.Details, 2)
	assert.Equal(t, "1.2.3", body.Details[0].Version)
}

func TestHandleReadiness_RelayUnreachable(t *testing.T) {
	ts, _ := testServerWithRelay(t, testConfig(), &stubRelay{pingErr: errors.New("connection refused")})

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "relay", body["failed_check"])
}

func TestHandlePushUpdate_Accepted(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	resp, err := http.Post(ts.URL+"/api/updates/w1?priority=HIGH", "application/json",
		bytes.NewBufferString(`{"type":"LOCATION_UPDATE","value":42}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandlePushUpdate_InvalidPayloadStillAccepted(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	// Fire-and-forget contract: the caller never sees ingestion failures.
	resp, err := http.Post(ts.URL+"/api/updates/w1", "application/json",
		bytes.NewBufferString(`{broken`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandlePushUpdate_PayloadTooLarge(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	resp, err := http.Post(ts.URL+"/api/updates/w1", "application/json",
		bytes.NewBuffer(bytes.Repeat([]byte("x"), maxUpdateBytes+1)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandleStreams_ReportsSubscriptions(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	conn := dialViz(t, ts, "")
	readWelcome(t, conn)
	subscribe(t, conn, "w1")

	resp, err := http.Get(ts.URL + "/api/streams")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats stream.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Streams)
	assert.Equal(t, 1, stats.Subscriptions)
}

func TestWebSocket_PushReachesSubscriber(t *testing.T) {
	ts, _ := testServer(t, testConfig())

	conn := dialViz(t, ts, "")
	readWelcome(t, conn)
	subscribe(t, conn, "w1")

	resp, err := http.Post(ts.URL+"/api/updates/w1", "application/json",
		bytes.NewBufferString(`{"type":"READ_EVENT","tag":"A-17"}`))
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope domain.UpdateEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, domain.MessageUpdate, envelope.Type)
	assert.Equal(t, "w1", envelope.WidgetID)

	var updates []*domain.VisualizationUpdate
	require.NoError(t, json.Unmarshal(envelope.Data, &updates))
	require.Len(t, updates, 1)
	assert.Equal(t, domain.UpdateTypeReadEvent, updates[0].Type)
}

func TestWebSocket_GlobalLimitRejects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWebSocketConnections = 1
	ts, _ := testServer(t, cfg)

	first := dialViz(t, ts, "")
	readWelcome(t, first)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/viz"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func readWelcome(t *testing.T, conn *websocket.Conn) domain.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg domain.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, domain.MessageConnected, msg.Type)
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, widgetID string) {
	t.Helper()
	data, err := json.Marshal(domain.ControlMessage{Type: domain.MessageSubscribe, WidgetID: widgetID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, ackData, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack domain.ServerMessage
	require.NoError(t, json.Unmarshal(ackData, &ack))
	require.Equal(t, domain.MessageSubscribed, ack.Type)
}
