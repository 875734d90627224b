// Package feed defines the transport-neutral event model shared by the
// session state machine, the correlation router and the transports.
//
// A transport delivers Events. Each Event has a Kind and carries one or
// more Messages, each with a MessageType. Subscription data messages carry
// the correlation Token of the subscription that requested them.
//
// Conventions:
//   - Tokens are derived from the security identifier (see TokenFor)
//   - Message payloads are opaque JSON; this package never inspects them
//   - Kind and MessageType are closed enums; switches over them are exhaustive
package feed
