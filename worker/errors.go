// Package worker implements the server-side per-connection supervisor: it
// reads a session's prelude, resolves the requested command, launches the
// child process, and streams standard I/O between the child and the socket
// until the child exits or the peer disconnects.
package worker

import "errors"

// ErrCommandNotFound is returned when a session's StartCommand names a
// command absent from the host's command table.
var ErrCommandNotFound = errors.New("worker: command not found")

// ErrChildSpawn wraps any failure to start the child process (missing
// executable, permission denied, bad working directory).
var ErrChildSpawn = errors.New("worker: failed to start command")

// ErrFatal names the catch-all kind of non-recoverable worker session
// error. Session does not return it: a protocol violation in the prelude
// wraps wire.ErrProtocolViolation, and one after StartCommand is logged
// and ends the session without an ExitCode frame.
var ErrFatal = errors.New("worker: fatal session error")
