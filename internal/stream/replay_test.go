package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/msu907/trackviz/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ringUpdate(t *testing.T, seq int) *domain.VisualizationUpdate {
	t.Helper()
	payload := fmt.Appendf(nil, `{"type":"READ_EVENT","seq":%d}`, seq)
	update, err := domain.TransformUpdate("w1", payload, domain.PriorityMedium, time.Now())
	require.NoError(t, err)
	return update
}

func TestReplayRing_Empty(t *testing.T) {
	ring := newReplayRing(4)
	assert.Equal(t, 0, ring.Len())
	assert.Nil(t, ring.Snapshot())
}

func TestReplayRing_ZeroSizeDisablesReplay(t *testing.T) {
	ring := newReplayRing(0)
	ring.Add(ringUpdate(t, 1))
	assert.Equal(t, 0, ring.Len())
	assert.Nil(t, ring.Snapshot())
}

func TestReplayRing_PartialFillKeepsOrder(t *testing.T) {
	ring := newReplayRing(4)
	for i := 1; i <= 3; i++ {
		ring.Add(ringUpdate(t, i))
	}

	snapshot := ring.Snapshot()
	require.Len(t, snapshot, 3)
	assert.JSONEq(t, `{"type":"READ_EVENT","seq":1}`, string(snapshot[0].Payload))
	assert.JSONEq(t, `{"type":"READ_EVENT","seq":3}`, string(snapshot[2].Payload))
}

func TestReplayRing_WraparoundKeepsNewestOldestFirst(t *testing.T) {
	ring := newReplayRing(3)
	for i := 1; i <= 5; i++ {
		ring.Add(ringUpdate(t, i))
	}

	snapshot := ring.Snapshot()
	require.Len(t, snapshot, 3)
	assert.JSONEq(t, `{"type":"READ_EVENT","seq":3}`, string(snapshot[0].Payload))
	assert.JSONEq(t, `{"type":"READ_EVENT","seq":4}`, string(snapshot[1].Payload))
	assert.JSONEq(t, `{"type":"READ_EVENT","seq":5}`, string(snapshot[2].Payload))
}

func TestReplayRing_SnapshotIsStable(t *testing.T) {
	ring := newReplayRing(3)
	ring.Add(ringUpdate(t, 1))

	snapshot := ring.Snapshot()
	ring.Add(ringUpdate(t, 2))

	require.Len(t, snapshot, 1)
	assert.JSONEq(t, `{"type":"READ_EVENT","seq":1}`, string(snapshot[0].Payload))
}
