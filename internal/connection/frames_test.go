package connection

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msu907/trackviz/internal/domain"
)

func testUpdate(widgetID string, payload string) *domain.VisualizationUpdate {
	return &domain.VisualizationUpdate{
		WidgetID:         widgetID,
		Type:             domain.UpdateTypeLocation,
		Payload:          json.RawMessage(payload),
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Priority:         domain.PriorityMedium,
		ValidationStatus: domain.ValidationValid,
	}
}

func TestFramePool_SmallBatchStaysPlain(t *testing.T) {
	pool := newFramePool(1, 1024, func(frameJob, *preparedFrame) {}, func(string, error) {})
	t.Cleanup(pool.stop)

	frame, err := pool.prepare(frameJob{
		widgetID: "w1",
		updates:  []*domain.VisualizationUpdate{testUpdate("w1", `{"value":1}`)},
	})
	require.NoError(t, err)

	assert.Nil(t, frame.gzipped)

	var envelope domain.UpdateEnvelope
	require.NoError(t, json.Unmarshal(frame.plain, &envelope))
	assert.Equal(t, domain.MessageUpdate, envelope.Type)
	assert.Equal(t, "w1", envelope.WidgetID)
	assert.False(t, envelope.Compressed)

	var updates []*domain.VisualizationUpdate
	require.NoError(t, json.Unmarshal(envelope.Data, &updates))
	require.Len(t, updates, 1)
	assert.Equal(t, json.RawMessage(`{"value":1}`), updates[0].Payload)
}

func TestFramePool_CompressesAboveThreshold(t *testing.T) {
	pool := newFramePool(1, 64, func(frameJob, *preparedFrame) {}, func(string, error) {})
	t.Cleanup(pool.stop)

	big := `{"value":"` + string(bytes.Repeat([]byte("x"), 512)) + `"}`
	frame, err := pool.prepare(frameJob{
		widgetID: "w1",
		updates:  []*domain.VisualizationUpdate{testUpdate("w1", big)},
	})
	require.NoError(t, err)
	require.NotNil(t, frame.gzipped)

	var plainEnv, gzipEnv domain.UpdateEnvelope
	require.NoError(t, json.Unmarshal(frame.plain, &plainEnv))
	require.NoError(t, json.Unmarshal(frame.gzipped, &gzipEnv))
	assert.True(t, gzipEnv.Compressed)

	// Both forms must decode to the same batch bytes.
	var encoded string
	require.NoError(t, json.Unmarshal(gzipEnv.Data, &encoded))
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	inflated, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.NoError(t, zr.Close())

	assert.Equal(t, []byte(plainEnv.Data), inflated)
}

func TestFramePool_PreservesPerWidgetOrder(t *testing.T) {
	var mu sync.Mutex
	var delivered []string

	pool := newFramePool(4, 1024, func(job frameJob, _ *preparedFrame) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, string(job.updates[0].Payload))
	}, func(string, error) {})

	for i := 0; i < 20; i++ {
		payload := fmt.Sprintf(`{"seq":%d}`, i)
		require.True(t, pool.submit(frameJob{
			widgetID: "w1",
			updates:  []*domain.VisualizationUpdate{testUpdate("w1", payload)},
		}))
	}
	pool.stop()

	require.Len(t, delivered, 20)
	for i, payload := range delivered {
		assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), payload)
	}
}

func TestFramePool_SubmitAfterStopIsRefused(t *testing.T) {
	pool := newFramePool(2, 1024, func(frameJob, *preparedFrame) {}, func(string, error) {})
	pool.stop()

	accepted := pool.submit(frameJob{
		widgetID: "w1",
		updates:  []*domain.VisualizationUpdate{testUpdate("w1", `{"value":1}`)},
	})
	assert.False(t, accepted)

	// A second stop must be a no-op.
	pool.stop()
}

func TestFramePool_InvalidPayloadReportsError(t *testing.T) {
	var mu sync.Mutex
	var failures []string
	deliveries := 0

	pool := newFramePool(1, 1024, func(frameJob, *preparedFrame) {
		mu.Lock()
		defer mu.Unlock()
		deliveries++
	}, func(widgetID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, widgetID)
	})

	// A RawMessage that is not valid JSON fails envelope marshaling; the
	// batch is aborted without reaching delivery.
	bad := testUpdate("w1", `{"value":1}`)
	bad.Payload = json.RawMessage(`{broken`)
	pool.submit(frameJob{widgetID: "w1", updates: []*domain.VisualizationUpdate{bad}})
	pool.stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, deliveries)
	assert.Equal(t, []string{"w1"}, failures)
}
