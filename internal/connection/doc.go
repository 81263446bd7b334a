// Package connection implements the live channel's connection manager.
//
// The Manager:
//   - Owns one logical WebSocket connection
//   - Rebuilds the endpoint URL on every attempt so rotated credentials apply
//   - Sends heartbeats and treats a missing reply as a lost connection
//   - Reconnects with capped exponential backoff up to a maximum attempt count
//   - Hands every inbound frame to a single frame handler (the router)
//
// All timers come from an injected clock.Clock so the state machine can
// be driven deterministically in tests.
package connection
