package domain

import (
	"encoding/json"
	"time"
)

// UpdateType classifies what kind of state change a visualization update carries.
type UpdateType string

const (
	UpdateTypeLocation      UpdateType = "LOCATION_UPDATE"
	UpdateTypeStatus        UpdateType = "STATUS_CHANGE"
	UpdateTypeReadEvent     UpdateType = "READ_EVENT"
	UpdateTypeStatistics    UpdateType = "STATISTICS_UPDATE"
	UpdateTypeAlert         UpdateType = "ALERT_NOTIFICATION"
	UpdateTypePerformance   UpdateType = "PERFORMANCE_UPDATE"
	UpdateTypeConfiguration UpdateType = "CONFIGURATION_CHANGE"
)

// knownUpdateTypes is the closed set accepted during transform.
var knownUpdateTypes = map[UpdateType]struct{}{
	UpdateTypeLocation:      {},
	UpdateTypeStatus:        {},
	UpdateTypeReadEvent:     {},
	UpdateTypeStatistics:    {},
	UpdateTypeAlert:         {},
	UpdateTypePerformance:   {},
	UpdateTypeConfiguration: {},
}

// Valid reports whether t is one of the known update types.
func (t UpdateType) Valid() bool {
	_, ok := knownUpdateTypes[t]
	return ok
}

// Priority orders updates for backpressure decisions. LOW priority updates
// are shed first when a stream buffer is at capacity.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ParsePriority maps a raw string to a Priority, defaulting to MEDIUM.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// ValidationStatus records the outcome of payload transformation.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "VALID"
	ValidationInvalid ValidationStatus = "INVALID"
	ValidationWarning ValidationStatus = "WARNING"
)

// VisualizationUpdate is one normalized state-change event bound for
// dashboard clients subscribed to the widget.
type VisualizationUpdate struct {
	WidgetID         string           `json:"widgetId"`
	Type             UpdateType       `json:"type"`
	Payload          json.RawMessage  `json:"payload"`
	Timestamp        time.Time        `json:"timestamp"`
	Source           string           `json:"source"`
	Priority         Priority         `json:"priority"`
	ValidationStatus ValidationStatus `json:"validationStatus"`
}

// rawPayloadHeader is the subset of the raw payload inspected during transform.
type rawPayloadHeader struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

// TransformUpdate normalizes a raw ingested payload into a VisualizationUpdate.
//
// The payload must be a well-formed JSON value; anything else is an ingestion
// error. A recognized "type" field yields a VALID update of that type. A
// missing or unknown type is still accepted, defaulted to STATUS_CHANGE with
// validation status WARNING, so that a schema drift upstream degrades
// delivery quality instead of silently losing events.
func TransformUpdate(widgetID string, payload []byte, priority Priority, now time.Time) (*VisualizationUpdate, error) {
	if widgetID == "" {
		return nil, ErrMissingWidgetID
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	update := &VisualizationUpdate{
		WidgetID:         widgetID,
		Type:             UpdateTypeStatus,
		Payload:          json.RawMessage(payload),
		Timestamp:        now,
		Priority:         priority,
		ValidationStatus: ValidationValid,
	}

	var header rawPayloadHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		// Non-object payloads (arrays, scalars) carry no header fields.
		update.ValidationStatus = ValidationWarning
		return update, nil
	}

	update.Source = header.Source
	if header.Type == "" || !UpdateType(header.Type).Valid() {
		update.ValidationStatus = ValidationWarning
		return update, nil
	}

	update.Type = UpdateType(header.Type)
	return update, nil
}
