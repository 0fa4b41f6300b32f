// Package runner defines the minimal interface the (out-of-scope) concurrent
// orchestrator drives: something that runs to completion against a context.
// Routers and the client/server endpoints implement it. Outside the tests,
// which instantiate Tasks directly over the in-memory fabric, the only
// concurrent scheduling in this module is cmd/routemesh-topo's validate
// command running every router of a topology at once.
package runner

import "context"

// Task is a unit of simulated network activity — a router's flood/forward
// lifecycle, or a client/server endpoint's handshake/transfer/close
// lifecycle. Run blocks until the task's work is done, its context is
// cancelled, or it hits an unrecoverable error.
type Task interface {
	Run(ctx context.Context) error
}
