// Package relay mirrors updates between engine instances through a shared
// Redis broker. The publisher copies locally ingested updates to a pub/sub
// channel; the subscriber feeds other instances' updates into the local
// registry; the instance registry heartbeats into a shared hash for ops
// visibility.
//
// The relay is strictly optional: the engine's own delivery semantics never
// depend on it, and every relay failure degrades to single-instance
// operation.
package relay
