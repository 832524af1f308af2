package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/k8psh/k8psh/config"
	"github.com/k8psh/k8psh/internal/env"
	"github.com/k8psh/k8psh/internal/netutil"
	"github.com/k8psh/k8psh/internal/wire"
)

const stdinChunkSize = 64*1024 - 1

// Connect dials the worker bound to command.Host with doubling backoff
// (16ms start, doubling, capped at 1000ms) until it succeeds or
// connectTimeoutMs elapses; a negative connectTimeoutMs retries forever
// (spec.md §4.C step 1, §4.F).
func Connect(ctx context.Context, command config.Command, connectTimeoutMs int) (net.Conn, error) {
	address := fmt.Sprintf("127.0.0.1:%d", command.Host.Port)

	var deadline time.Time
	dialCtx := ctx
	var cancel context.CancelFunc
	if connectTimeoutMs >= 0 {
		deadline = time.Now().Add(time.Duration(connectTimeoutMs) * time.Millisecond)
		dialCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	conn, err := netutil.DialWithBackoff(dialCtx, "tcp", address, deadline)
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("client: connecting to %s: %w", address, err)
	}
	return conn, nil
}

// Session is one client-side run of a remote command: it owns the
// connection for the session's lifetime and pumps local stdin / remote
// stdout-stderr-exitcode across it.
type Session struct {
	log     *zap.SugaredLogger
	channel *wire.Channel

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewSession wraps an established connection. stdin/stdout/stderr are
// normally os.Stdin/os.Stdout/os.Stderr; tests pass pipes instead.
func NewSession(conn net.Conn, stdin io.Reader, stdout, stderr io.Writer, log *zap.SugaredLogger) *Session {
	return &Session{
		log:     log.Named("client_session"),
		channel: wire.NewChannel(conn),
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}
}

// Run sends the prelude (workingDir, args, environment variables, then
// StartCommand) and enters the multiplex loop, returning the remote exit
// code once an ExitCode frame arrives (spec.md §4.C steps 2-4).
func (s *Session) Run(workingDir string, command config.Command, args []string) (int, error) {
	if err := s.sendPrelude(workingDir, command, args); err != nil {
		return -1, fmt.Errorf("%w: sending prelude: %v", ErrFatal, err)
	}

	go s.pumpLocalStdin()

	return s.multiplex()
}

func (s *Session) sendPrelude(workingDir string, command config.Command, args []string) error {
	if err := s.channel.WriteFrame(wire.FrameWorkingDirectory, []byte(workingDir), false); err != nil {
		return err
	}

	for _, arg := range args {
		if err := s.channel.WriteFrame(wire.FrameCommandArgument, []byte(arg), false); err != nil {
			return err
		}
	}

	for _, d := range command.Env {
		if d.Kind == env.Inherited {
			continue // materialized server-side; never sent by the client
		}
		if v, ok := os.LookupEnv(d.Name); ok {
			if err := s.channel.WriteFrame(wire.FrameEnvironmentVariable, []byte(d.Name+"="+v), false); err != nil {
				return err
			}
		}
	}

	return s.channel.WriteFrame(wire.FrameStartCommand, []byte(command.Name), true)
}

// pumpLocalStdin copies local stdin into StdinData frames, sending a
// single zero-length frame on EOF. It runs detached: if the remote process
// exits before local stdin reaches EOF, this goroutine is simply abandoned
// (a blocking read on a terminal's stdin cannot be portably interrupted),
// the same tradeoff every stdin-copying CLI in the ecosystem makes.
func (s *Session) pumpLocalStdin() {
	buf := make([]byte, stdinChunkSize)
	for {
		n, err := s.stdin.Read(buf)
		if n > 0 {
			if werr := s.channel.WriteFrame(wire.FrameStdinData, buf[:n], true); werr != nil {
				return
			}
		}
		if err != nil {
			_ = s.channel.WriteFrame(wire.FrameStdinData, nil, true)
			return
		}
	}
}

// multiplex drains frames from the worker: StdinData (close-local-stdin
// request), StdoutData/StderrData (forward or close), and ExitCode
// (terminal). Any other frame, or the connection closing before ExitCode
// arrives, is a fatal error (spec.md §4.C step 3, invariant 6).
func (s *Session) multiplex() (int, error) {
	stdoutClosed := false
	stderrClosed := false

	for {
		frame, err := s.channel.ReadNextFrame()
		if err != nil {
			return -1, fmt.Errorf("%w: connection closed before exit code: %v", ErrFatal, err)
		}

		switch frame.Type {
		case wire.FrameStdinData:
			// The worker is telling us it no longer wants local stdin;
			// pumpLocalStdin keeps reading but further sends are harmless
			// no-ops from the worker's perspective once it stops reading
			// StdinData frames itself (it only sends this once, per the
			// wire contract).
			s.log.Debugw("worker requested local stdin close")

		case wire.FrameStdoutData:
			if len(frame.Payload) == 0 {
				if stdoutClosed {
					return -1, fmt.Errorf("%w: duplicate stdout close", ErrFatal)
				}
				stdoutClosed = true
				continue
			}
			if stdoutClosed {
				return -1, fmt.Errorf("%w: stdout data after close", ErrFatal)
			}
			if _, err := s.stdout.Write(frame.Payload); err != nil {
				return -1, fmt.Errorf("%w: writing stdout: %v", ErrFatal, err)
			}

		case wire.FrameStderrData:
			if len(frame.Payload) == 0 {
				if stderrClosed {
					return -1, fmt.Errorf("%w: duplicate stderr close", ErrFatal)
				}
				stderrClosed = true
				continue
			}
			if stderrClosed {
				return -1, fmt.Errorf("%w: stderr data after close", ErrFatal)
			}
			if _, err := s.stderr.Write(frame.Payload); err != nil {
				return -1, fmt.Errorf("%w: writing stderr: %v", ErrFatal, err)
			}

		case wire.FrameExitCode:
			if len(frame.Payload) != 4 {
				return -1, fmt.Errorf("%w: malformed exit code payload", ErrFatal)
			}
			code := int32(frame.Payload[0]) | int32(frame.Payload[1])<<8 | int32(frame.Payload[2])<<16 | int32(frame.Payload[3])<<24
			return int(code), nil

		default:
			return -1, fmt.Errorf("%w: unexpected frame %s", ErrFatal, frame.Type)
		}
	}
}
