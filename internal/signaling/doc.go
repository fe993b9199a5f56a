// Package signaling implements the relay's WebSocket surface: per-connection
// sessions that translate inbound events into room registry operations, and
// best-effort forwarding of opaque negotiation payloads between connections.
//
// The relay never inspects offer/answer/ice-candidate payloads; it routes
// them by connection id and annotates the sender.
package signaling
