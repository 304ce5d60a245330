package relay

import (
	"encoding/json"

	"github.com/msu907/trackviz/internal/domain"
)

// updatesChannel is the shared pub/sub channel all engine instances
// publish to and subscribe from.
const updatesChannel = "viz:updates"

// updateMessage is the wire form of a mirrored update. InstanceID lets
// subscribers discard messages they published themselves.
type updateMessage struct {
	InstanceID string          `json:"instance_id"`
	WidgetID   string          `json:"widget_id"`
	Priority   domain.Priority `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
}

func encodeUpdate(instanceID, widgetID string, payload []byte, priority domain.Priority) ([]byte, error) {
	msg := updateMessage{
		InstanceID: instanceID,
		WidgetID:   widgetID,
		Priority:   priority,
		Payload:    payload,
	}
	return json.Marshal(msg)
}

func decodeUpdate(data []byte) (updateMessage, error) {
	var msg updateMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
