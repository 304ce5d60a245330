package domain

// UpdatePusher accepts fire-and-forget visualization updates. Implementations
// must never return ingestion failures to the caller; bad payloads are
// counted and dropped internally.
type UpdatePusher interface {
	PushUpdate(widgetID string, payload []byte, priority Priority)
}
