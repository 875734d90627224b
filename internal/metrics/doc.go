// Package metrics provides Prometheus metrics for monitoring a session.
//
// Key metrics:
//   - Session state and lifecycle transitions
//   - Events and messages processed, by kind and type
//   - Routed updates and unknown correlation tokens
//   - Subscribe requests and failures
//   - Transport delivery queue depth and slow-consumer warnings
//   - Recorder inserts, errors and flush latency
package metrics
