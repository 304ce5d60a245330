// Package connection owns the websocket side of the engine: per-client
// connection lifecycle, capability handling, control-message processing,
// heartbeat eviction, and broadcast fan-out.
//
// A single manager goroutine owns the client table and the widget index.
// Each connection gets one writer goroutine (bounded queue, write deadlines,
// ping ticker); inbound frames are read on the HTTP handler goroutine. Batch
// serialization and compression happen once per batch on a widget-keyed
// worker pool, never per subscriber.
package connection
