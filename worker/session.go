package worker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/k8psh/k8psh/config"
	"github.com/k8psh/k8psh/internal/env"
	"github.com/k8psh/k8psh/internal/wire"
)

const stdioChunkSize = 64*1024 - 1

// Session is the per-connection supervisor described in spec.md §4.D: it
// parses the prelude, resolves the Command, launches the child with a
// per-connection working directory and environment, and streams standard
// I/O in both directions until the child exits or the peer disconnects.
type Session struct {
	id            string
	log           *zap.SugaredLogger
	channel       *wire.Channel
	baseDirectory string
	commands      map[string]config.Command

	processDir  string
	receivedEnv map[string]string
	commandArgs []string
	commandName string
}

// NewSession wraps an accepted connection in a Session ready to Run. commands
// is the command table for the host this connection was accepted on. conn is
// an io.ReadWriteCloser (normally a net.Conn) rather than net.Conn itself, so
// tests can hand Session a net.Pipe() half or any other plain stream without
// satisfying deadline/address methods wire.Channel never calls.
func NewSession(conn io.ReadWriteCloser, baseDirectory string, commands map[string]config.Command, log *zap.SugaredLogger) *Session {
	id := uuid.NewString()[:8]
	return &Session{
		id:            id,
		log:           log.Named("session").With("session", id),
		channel:       wire.NewChannel(conn),
		baseDirectory: baseDirectory,
		commands:      commands,
		receivedEnv:   make(map[string]string),
	}
}

// Run drives the session to completion: prelude, launch, multiplex loop,
// exit-code delivery. It always closes the channel before returning. It
// never propagates the session's own protocol/spawn errors to the caller
// to retry; those are logged and the connection is simply closed (the
// client observes this as "connection closed without ExitCode", per
// spec.md §7). A non-nil return indicates an unexpected local failure
// worth surfacing to the listener's logs.
func (s *Session) Run() error {
	defer s.channel.Close()

	cmd, err := s.readPrelude()
	if err != nil {
		s.log.Warnw("prelude failed", "error", err)
		return nil
	}

	proc, err := s.launch(cmd)
	if err != nil {
		s.log.Warnw("failed to launch command", "command", s.commandName, "error", err)
		return nil
	}

	s.stream(proc)
	return nil
}

// readPrelude reads frames until StartCommand, populating processDir,
// receivedEnv, and commandArgs. It enforces invariant 3 (spec.md §3): any
// non-prelude frame type seen here is a protocol violation.
func (s *Session) readPrelude() (config.Command, error) {
	for {
		frame, err := s.channel.ReadNextFrame()
		if err != nil {
			return config.Command{}, fmt.Errorf("reading prelude frame: %w", err)
		}

		switch frame.Type {
		case wire.FrameWorkingDirectory:
			dir := string(frame.Payload)
			if s.baseDirectory == "" {
				s.processDir = dir
			} else {
				s.processDir = filepath.Join(s.baseDirectory, dir)
			}
			s.log.Debugw("received working directory", "directory", dir, "processDirectory", s.processDir)

		case wire.FrameEnvironmentVariable:
			entry := string(frame.Payload)
			if idx := strings.IndexByte(entry, '='); idx >= 0 {
				s.receivedEnv[entry[:idx]] = entry[idx+1:]
			} else if v, ok := os.LookupEnv(entry); ok {
				s.receivedEnv[entry] = v
			}
			s.log.Debugw("received environment variable", "entry", entry)

		case wire.FrameCommandArgument:
			s.commandArgs = append(s.commandArgs, string(frame.Payload))
			s.log.Debugw("received command argument", "argument", string(frame.Payload))

		case wire.FrameStartCommand:
			s.commandName = string(frame.Payload)
			s.log.Debugw("received start command", "command", s.commandName)
			cmd, ok := s.commands[s.commandName]
			if !ok {
				return config.Command{}, fmt.Errorf("%w: %q", ErrCommandNotFound, s.commandName)
			}
			return cmd, nil

		default:
			return config.Command{}, fmt.Errorf("%w: unexpected frame %s before StartCommand", wire.ErrProtocolViolation, frame.Type)
		}
	}
}

// childProcess bundles the spawned exec.Cmd together with the pipe ends
// the multiplex loop reads/writes.
type childProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// resolveExecutable implements the two-strategy lookup spec.md §4.D phase 3
// requires: first as a path relative to dir (the process's configured
// working directory), then via the system path. This mirrors
// original_source's Process.cxx fallback from execv(argv[0], ...) to
// execvp(argv[0], ...) -- Go's exec.Command alone only ever does one or the
// other depending on whether name contains a path separator, never both.
func resolveExecutable(name string, dir string) (string, error) {
	candidate := name
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(dir, name)
	}
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolving executable %q: %w", name, err)
	}
	return path, nil
}

// launch builds argv and environment and starts the child process (spec.md
// §4.D phases 2-3). Go's os/exec passes Dir directly to the kernel at
// fork+exec time rather than mutating global process state, so unlike the
// original POSIX/Win32 implementation, no working-directory mutex is
// needed here (see DESIGN.md).
func (s *Session) launch(command config.Command) (*childProcess, error) {
	environment := env.Resolve(command.Env, s.receivedEnv, os.LookupEnv)

	argv := make([]string, 0, len(command.Executable)+len(s.commandArgs))
	argv = append(argv, command.Executable...)
	argv = append(argv, s.commandArgs...)
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: command %q has an empty executable", ErrChildSpawn, s.commandName)
	}

	dir := s.processDir
	if dir == "" {
		dir = "."
	}
	executable, err := resolveExecutable(argv[0], dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChildSpawn, err)
	}

	cmd := exec.Command(executable, argv[1:]...)
	cmd.Env = environment
	if s.processDir != "" {
		cmd.Dir = s.processDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChildSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChildSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChildSpawn, err)
	}

	s.log.Debugw("starting command", "argv", argv, "dir", cmd.Dir, "env", environment)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChildSpawn, err)
	}

	return &childProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// stdinMsg is one unit of work for pumpStdin: either data to write to the
// child's stdin, or an eof marker meaning the client closed its stdin.
type stdinMsg struct {
	data []byte
	eof  bool
}

// stream runs phases 4-5 of the supervisor: pump child stdout/stderr to the
// socket, pump client stdin frames to the child, watch for
// TerminateCommand/socket loss, wait for the child, and deliver the
// ExitCode frame. This is the Go-idiomatic stand-in for spec.md §4.D's
// five-source poll loop: one goroutine per I/O source (the "dedicated
// reader per pipe" the spec explicitly permits in §5), synchronized
// through a couple of small control channels instead of a single
// OS-level readiness multiplexer.
func (s *Session) stream(proc *childProcess) {
	var ioWG sync.WaitGroup
	var stdinWG sync.WaitGroup
	socketDone := make(chan struct{})
	stopStdin := make(chan struct{})
	stdinStopped := make(chan struct{})
	stdinQueue := make(chan stdinMsg, 16)

	ioWG.Add(2)
	go func() {
		defer ioWG.Done()
		s.pumpChildOutput(proc.stdout, wire.FrameStdoutData, "stdout")
	}()
	go func() {
		defer ioWG.Done()
		s.pumpChildOutput(proc.stderr, wire.FrameStderrData, "stderr")
	}()

	stdinWG.Add(1)
	go func() {
		defer stdinWG.Done()
		defer close(stdinStopped)
		s.pumpStdin(proc.stdin, stdinQueue, stopStdin)
	}()

	go func() {
		defer close(socketDone)
		s.readSocket(proc, stdinQueue, stdinStopped)
	}()

	// os/exec requires every read from a StdoutPipe/StderrPipe handle to
	// reach EOF before Wait is called: Wait closes those pipes as soon as
	// it sees the child exit, and a read still in flight at that instant
	// races the close and can be truncated (the kind of thing that would
	// violate an exact byte-for-byte echo of trailing child output).
	// Draining stdout/stderr to EOF first - which happens on its own once
	// the child exits and the kernel closes its descriptors - makes the
	// Wait call below race-free.
	ioWG.Wait()

	exitCode, normalExit := s.waitChild(proc.cmd)

	close(stopStdin)
	stdinWG.Wait()

	if normalExit {
		var payload [4]byte
		payload[0] = byte(exitCode)
		payload[1] = byte(exitCode >> 8)
		payload[2] = byte(exitCode >> 16)
		payload[3] = byte(exitCode >> 24)
		if err := s.channel.WriteFrame(wire.FrameExitCode, payload[:], true); err != nil {
			s.log.Debugw("failed to send exit code", "error", err)
		}
	} else {
		s.log.Debugw("child did not exit normally, sending no ExitCode frame")
	}

	// All three standard streams are drained; unblock the socket reader
	// (still possibly waiting on a Read that will never complete
	// otherwise) by closing the connection, then wait for it to notice.
	s.channel.Close()
	<-socketDone
}

// waitChild waits for the child and reports its exit code. A child killed
// by a signal (normalExit == false) never gets an ExitCode frame, per
// invariant 4.
func (s *Session) waitChild(cmd *exec.Cmd) (code int, normalExit bool) {
	err := cmd.Wait()
	if err == nil {
		return 0, true
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), true
		}
		return 0, false // terminated by signal
	}
	s.log.Debugw("unexpected wait error", "error", err)
	return 0, false
}

// pumpChildOutput forwards chunks of a child stdout/stderr pipe to the
// socket as the given frame type, emitting a single zero-length frame of
// that type when the pipe reaches EOF (spec.md §4.D phase 4).
func (s *Session) pumpChildOutput(r io.Reader, frameType wire.FrameType, name string) {
	buf := make([]byte, stdioChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.channel.WriteFrame(frameType, buf[:n], true); werr != nil {
				s.log.Debugw("failed forwarding child output", "stream", name, "error", werr)
				return
			}
		}
		if err != nil {
			if werr := s.channel.WriteFrame(frameType, nil, true); werr != nil {
				s.log.Debugw("failed forwarding close", "stream", name, "error", werr)
			}
			return
		}
	}
}

// pumpStdin drains queued client stdin bytes into the child's stdin pipe,
// stopping when either the client signals EOF (sends a zero-length
// StdinData, queued as stdinMsg.eof) or the caller's stop channel fires
// (child already exited). If the pipe write fails because the child is no
// longer reading, it drops the remainder of the queue and tells the
// client via a zero-length StdinData ack (spec.md §4.D phase 4, §7).
func (s *Session) pumpStdin(w io.WriteCloser, queue <-chan stdinMsg, stop <-chan struct{}) {
	defer w.Close()
	for {
		select {
		case msg := <-queue:
			if msg.eof {
				return
			}
			if _, err := w.Write(msg.data); err != nil {
				s.log.Debugw("child stdin closed, dropping remaining input", "error", err)
				if werr := s.channel.WriteFrame(wire.FrameStdinData, nil, true); werr != nil {
					s.log.Debugw("failed to ack stdin loss", "error", werr)
				}
				return
			}
		case <-stop:
			return
		}
	}
}

// readSocket is the session's single socket reader: it owns all
// s.channel.ReadNextFrame calls (the receive side is not safe for
// concurrent readers), forwards StdinData to the pumpStdin queue, and
// honors TerminateCommand / protocol violations / disconnect by
// terminating the child and returning. It runs until the channel is
// closed out from under it (by stream's final teardown) or one of those
// conditions fires first.
func (s *Session) readSocket(proc *childProcess, stdinQueue chan<- stdinMsg, stdinStopped <-chan struct{}) {
	for {
		frame, err := s.channel.ReadNextFrame()
		if err != nil {
			s.log.Debugw("socket reader stopping", "error", err)
			s.terminateChild(proc.cmd)
			return
		}

		switch frame.Type {
		case wire.FrameStdinData:
			msg := stdinMsg{data: frame.Payload}
			if len(frame.Payload) == 0 {
				msg = stdinMsg{eof: true}
			}
			select {
			case stdinQueue <- msg:
			case <-stdinStopped:
				// The child already exited and pumpStdin stopped consuming;
				// nothing left to forward this data to.
			}

		case wire.FrameTerminateCommand:
			if !bytes.Equal(frame.Payload, wire.TerminateCommandPayload[:]) {
				s.log.Warnw("protocol violation", "frame", frame.Type, "payload", frame.Payload)
				s.terminateChild(proc.cmd)
				return
			}
			s.log.Debugw("received terminate command")
			s.terminateChild(proc.cmd)
			return

		default:
			s.log.Warnw("protocol violation", "frame", frame.Type)
			s.terminateChild(proc.cmd)
			return
		}
	}
}

func (s *Session) terminateChild(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := terminateProcess(cmd.Process); err != nil {
		s.log.Debugw("failed to terminate child", "error", err)
	}
}
