// Package progress provides the event schema, non-blocking hub, and emitter
// interfaces the crawl pipeline uses to report milestones. The hub batches
// events on a background goroutine and fans them out to pluggable sinks such
// as logs, Prometheus metrics, or the run store.
package progress
