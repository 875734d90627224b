// Package writer implements the update recorder.
//
// The recorder sits beside the correlation router: a wrapped handler
// queues each routed update and forwards it unchanged, and a consumer
// goroutine writes the queue to the market_updates table in batches using
// COPY. Rows are append-only.
package writer
