package domain

import "encoding/json"

// Control message types accepted from clients.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessagePing        = "ping"
)

// Message types sent to clients.
const (
	MessageConnected    = "connected"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessagePong         = "pong"
	MessageUpdate       = "update"
)

// ControlMessage is the client→server control frame.
type ControlMessage struct {
	Type     string `json:"type"`
	WidgetID string `json:"widgetId,omitempty"`
}

// ServerMessage is the server→client acknowledgement frame.
type ServerMessage struct {
	Type     string `json:"type"`
	WidgetID string `json:"widgetId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// UpdateEnvelope is the server→client data frame carrying one delivered
// batch. Data holds the JSON array of updates, or a base64 string of the
// gzipped array when Compressed is set.
type UpdateEnvelope struct {
	Type       string          `json:"type"`
	WidgetID   string          `json:"widgetId"`
	Data       json.RawMessage `json:"data"`
	Compressed bool            `json:"compressed"`
}
