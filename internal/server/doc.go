// Package server exposes the engine over HTTP: the websocket endpoint for
// dashboard clients, the fire-and-forget update ingestion endpoint for
// asset/reader services, and the operational surface (health, metrics,
// version, stream and instance introspection). Connection limiting runs in
// front of the websocket upgrade.
package server
