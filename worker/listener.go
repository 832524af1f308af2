package worker

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/k8psh/k8psh/config"
)

// Listener accepts TCP connections on one host's bound loopback port and
// runs a Session per accepted connection (spec.md §4.D, §2 component D).
type Listener struct {
	log           *zap.SugaredLogger
	baseDirectory string
	commands      map[string]config.Command

	listener net.Listener

	sessions      errgroup.Group
	closeMu       sync.Mutex
	closed        bool
	waitOnClients bool
}

// Listen binds a loopback TCP listener on port (0 for ephemeral), with
// address reuse enabled and Nagle's algorithm disabled, per spec.md §4.F.
func Listen(port int, baseDirectory string, commands map[string]config.Command, log *zap.SugaredLogger, waitOnClients bool) (*Listener, error) {
	addr := net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	ln, err := net.ListenTCP("tcp", &addr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		log:           log.Named("listener"),
		baseDirectory: baseDirectory,
		commands:      commands,
		listener:      ln,
		waitOnClients: waitOnClients,
	}, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until Close is called. Recoverable accept
// errors (a transient listener hiccup) are logged and the loop continues;
// a listener close ends the loop normally.
func (l *Listener) Serve() error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.closeMu.Lock()
			closed := l.closed
			l.closeMu.Unlock()
			if closed {
				_ = l.sessions.Wait()
				return nil
			}
			l.log.Warnw("accept error, continuing to listen", "error", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		l.sessions.Go(func() error {
			session := NewSession(conn, l.baseDirectory, l.commands, l.log)
			if err := session.Run(); err != nil {
				l.log.Errorw("session ended with error", "error", err)
			}
			return nil
		})
	}
}

// Close stops accepting new connections. If waitOnClients is true, Close
// returns only after all in-flight sessions have finished; otherwise it
// returns immediately and sessions are detached to finish on their own
// (spec.md §5, "a process-wide exit event... finish or detach in-flight
// sessions according to a wait-on-clients switch").
func (l *Listener) Close() error {
	l.closeMu.Lock()
	l.closed = true
	l.closeMu.Unlock()

	err := l.listener.Close()
	if l.waitOnClients {
		_ = l.sessions.Wait()
	}
	return err
}

// ShutdownTimeout bounds how long Close waits for in-flight sessions when
// waitOnClients is set, used by cmd/k8pshd's signal handler to avoid
// hanging forever on a stuck child.
const ShutdownTimeout = 30 * time.Second
