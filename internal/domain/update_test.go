package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformUpdate_ValidPayload(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"type":"LOCATION_UPDATE","source":"reader-gate-4","assetId":"A-1","zone":"dock-2"}`)

	update, err := TransformUpdate("floor-map", payload, PriorityHigh, now)
	require.NoError(t, err)

	assert.Equal(t, "floor-map", update.WidgetID)
	assert.Equal(t, UpdateTypeLocation, update.Type)
	assert.Equal(t, "reader-gate-4", update.Source)
	assert.Equal(t, PriorityHigh, update.Priority)
	assert.Equal(t, ValidationValid, update.ValidationStatus)
	assert.Equal(t, now, update.Timestamp)
	assert.JSONEq(t, string(payload), string(update.Payload))
}

func TestTransformUpdate_UnknownTypeDefaultsWithWarning(t *testing.T) {
	payload := []byte(`{"type":"TELEPORT_EVENT","value":1}`)

	update, err := TransformUpdate("w1", payload, PriorityMedium, time.Now())
	require.NoError(t, err)

	assert.Equal(t, UpdateTypeStatus, update.Type)
	assert.Equal(t, ValidationWarning, update.ValidationStatus)
}

func TestTransformUpdate_MissingTypeDefaultsWithWarning(t *testing.T) {
	update, err := TransformUpdate("w1", []byte(`{"value":42}`), PriorityMedium, time.Now())
	require.NoError(t, err)

	assert.Equal(t, UpdateTypeStatus, update.Type)
	assert.Equal(t, ValidationWarning, update.ValidationStatus)
}

func TestTransformUpdate_NonObjectPayloadAcceptedWithWarning(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"array", `[1,2,3]`},
		{"number", `42`},
		{"string", `"reading"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update, err := TransformUpdate("w1", []byte(tt.payload), PriorityLow, time.Now())
			require.NoError(t, err)
			assert.Equal(t, ValidationWarning, update.ValidationStatus)
			assert.Equal(t, UpdateTypeStatus, update.Type)
		})
	}
}

func TestTransformUpdate_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		widgetID string
		payload  []byte
		wantErr  error
	}{
		{"empty widget id", "", []byte(`{"value":1}`), ErrMissingWidgetID},
		{"empty payload", "w1", nil, ErrInvalidPayload},
		{"truncated json", "w1", []byte(`{"value":`), ErrInvalidPayload},
		{"garbage", "w1", []byte(`not json at all`), ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TransformUpdate(tt.widgetID, tt.payload, PriorityMedium, time.Now())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("HIGH"))
	assert.Equal(t, PriorityLow, ParsePriority("LOW"))
	assert.Equal(t, PriorityMedium, ParsePriority("MEDIUM"))
	assert.Equal(t, PriorityMedium, ParsePriority(""))
	assert.Equal(t, PriorityMedium, ParsePriority("urgent"))
}

func TestUpdateTypeValid(t *testing.T) {
	assert.True(t, UpdateTypeReadEvent.Valid())
	assert.True(t, UpdateTypeAlert.Valid())
	assert.False(t, UpdateType("READ").Valid())
	assert.False(t, UpdateType("").Valid())
}
