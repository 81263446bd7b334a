// Package api provides the watch-docker REST client.
//
// Every call is dispatched through a coordinator.Coordinator so that
// request keys decide whether a call cancels its predecessor, shares an
// in-flight request, or runs unlocked.
//
// Responses use the server envelope:
//
//	{"code": 0, "msg": "success", "data": {...}}
//
// A non-zero code is returned as *APIError. HTTP 401/403 match
// ErrUnauthorized. An empty or HTML body matches ErrUnexpectedBody.
package api
