package domain

import "errors"

var (
	ErrMissingWidgetID = errors.New("widget id is required")
	ErrInvalidPayload  = errors.New("payload is not valid JSON")
	ErrClientNotFound  = errors.New("client not found")
	ErrEngineStopped   = errors.New("engine is stopped")
)
