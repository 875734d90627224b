// Package connection implements the WebSocket transport.
//
// The transport:
//   - Dials the provider and reports the outcome as session status events
//   - Sends open_service and subscribe commands as JSON text frames
//   - Decodes server frames into feed events
//   - Delivers every event, local or remote, through one queue and one
//     goroutine so handlers observe them in arrival order
//   - Raises slow consumer warnings when the queue backs up
//   - Keeps the connection alive with pings and detects stale connections
package connection
