// Package coordinator arbitrates concurrent requests that target the
// same logical operation.
//
// Callers tag each request with a Key. The key's policy decides what
// happens when a request for the same operation is already in flight:
//
//   - CancelPredecessor: the newest request wins. Every earlier call
//     under the key is cancelled and settles with ErrCanceled.
//   - ShareFirst: the first request is authoritative. Later callers
//     receive the same *Call and no second request is issued.
//   - Unlocked: no coordination at all.
//
// Keys name semantic operations ("containers", "search"), not URLs.
package coordinator
