// Package client implements the caller-side session described in spec.md
// §4.C: connect to a worker with bounded-exponential backoff, send the
// prelude, then multiplex local stdin into the socket and remote
// stdout/stderr/exit-code back out to the local process.
package client

import "errors"

// ErrConnectTimeout is returned when Connect could not reach the worker
// within the configured deadline. Kept distinct from other connect
// failures per SPEC_FULL.md's resolution of spec.md §9's open question on
// error-taxonomy uniformity: callers (cmd/k8psh) want a different exit
// code for "worker never came up" than for other fatal session errors.
var ErrConnectTimeout = errors.New("client: timed out connecting to worker")

// ErrFatal wraps any other non-recoverable session error: a protocol
// violation from the worker, or the connection dropping before an
// ExitCode frame arrived (spec.md §3 invariant 6, §7).
var ErrFatal = errors.New("client: fatal session error")
