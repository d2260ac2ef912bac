// Package sinks implements the concrete progress consumers: structured
// logging, Prometheus collectors, and run persistence. Each sink satisfies
// the progress.Sink interface, tolerates repeated Consume calls, and keeps
// Close idempotent so the hub can shut them down in any order.
package sinks
