// Package channel composes the live state channel: a connection
// manager whose frames feed a message router, whose subscribers fold
// batches into one state store per message kind.
//
// The endpoint URL is rebuilt from the token source on every attempt.
// When the token source announces a new token, a channel that has not
// been closed by its caller reconnects with it.
package channel
