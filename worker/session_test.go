package worker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/k8psh/k8psh/config"
	"github.com/k8psh/k8psh/internal/wire"
)

// Property 2 (prelude monotonicity): a stdio frame sent before StartCommand
// is a protocol violation; the server must refuse the session rather than
// launch anything, and the client observes this as a connection close with
// no ExitCode frame.
func TestPreludeRejectsStdioFrameBeforeStartCommand(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	log := zaptest.NewLogger(t).Sugar()
	session := NewSession(serverConn, "", map[string]config.Command{}, log)

	done := make(chan error, 1)
	go func() { done <- session.Run() }()

	clientChannel := wire.NewChannel(clientConn)
	require.NoError(t, clientChannel.WriteFrame(wire.FrameStdinData, []byte("too early"), true))

	_, err := clientChannel.ReadNextFrame()
	assert.Error(t, err, "connection should close without any frame, let alone ExitCode")

	require.NoError(t, <-done)
}

// Command-not-found (spec.md §7): the session closes the socket without
// sending an ExitCode frame.
func TestCommandNotFoundClosesWithoutExitCode(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	log := zaptest.NewLogger(t).Sugar()
	session := NewSession(serverConn, "", map[string]config.Command{}, log)

	done := make(chan error, 1)
	go func() { done <- session.Run() }()

	clientChannel := wire.NewChannel(clientConn)
	require.NoError(t, clientChannel.WriteFrame(wire.FrameStartCommand, []byte("missing"), true))

	_, err := clientChannel.ReadNextFrame()
	assert.Error(t, err)

	require.NoError(t, <-done)
}

// Property 4 (exit-code uniqueness): a child terminated by a signal never
// gets an ExitCode frame.
func TestSignalKilledChildSendsNoExitCode(t *testing.T) {
	commands := map[string]config.Command{
		"selfkill": {Name: "selfkill", Executable: []string{"/bin/sh", "-c", "kill -KILL $$"}},
	}
	serverConn, clientConn := net.Pipe()
	log := zaptest.NewLogger(t).Sugar()
	session := NewSession(serverConn, "", commands, log)

	done := make(chan error, 1)
	go func() { done <- session.Run() }()

	clientChannel := wire.NewChannel(clientConn)
	require.NoError(t, clientChannel.WriteFrame(wire.FrameStartCommand, []byte("selfkill"), true))

	for {
		frame, err := clientChannel.ReadNextFrame()
		if err != nil {
			break
		}
		require.NotEqual(t, wire.FrameExitCode, frame.Type, "a signal-killed child must never produce an ExitCode frame")
	}

	require.NoError(t, <-done)
}

// Property 3 (stdin half-close): once the client sends a zero-length
// StdinData, the worker closes the child's stdin — verified here by having
// the child (cat) echo what it receives and exit on EOF, and confirming
// stdout holds exactly the bytes sent before the EOF marker.
func TestStdinHalfCloseStopsForwarding(t *testing.T) {
	commands := map[string]config.Command{
		"cat": {Name: "cat", Executable: []string{"/bin/cat"}},
	}
	serverConn, clientConn := net.Pipe()
	log := zaptest.NewLogger(t).Sugar()
	session := NewSession(serverConn, "", commands, log)

	done := make(chan error, 1)
	go func() { done <- session.Run() }()

	clientChannel := wire.NewChannel(clientConn)
	require.NoError(t, clientChannel.WriteFrame(wire.FrameStartCommand, []byte("cat"), true))
	require.NoError(t, clientChannel.WriteFrame(wire.FrameStdinData, []byte("before-eof"), true))
	require.NoError(t, clientChannel.WriteFrame(wire.FrameStdinData, nil, true))
	// Bytes sent after the client's own EOF marker are not part of the
	// protocol (invariant 3's stdio half already closed this direction);
	// nothing here sends more StdinData, matching a well-behaved client.

	var stdout []byte
	for {
		frame, err := clientChannel.ReadNextFrame()
		if err != nil {
			break
		}
		if frame.Type == wire.FrameStdoutData && len(frame.Payload) > 0 {
			stdout = append(stdout, frame.Payload...)
		}
	}

	assert.Equal(t, "before-eof", string(stdout))
	require.NoError(t, <-done)
}
