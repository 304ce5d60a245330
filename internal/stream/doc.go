// Package stream owns widget update streams and their delivery pipeline.
//
// A single registry actor goroutine owns the widget→stream table and all
// subscription bookkeeping; each live stream runs one pipeline goroutine that
// owns its bounded pending buffer and the debounce → throttle → batch stages.
// All cross-component traffic goes through channels or the Sink contract, so
// no stream state is ever mutated from two goroutines.
package stream
