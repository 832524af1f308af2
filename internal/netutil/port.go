package netutil

import (
	"fmt"
	"net"
)

// EphemeralTCPPort binds a loopback listener on port 0 to let the kernel
// assign a free port, reports it, then releases the listener. Used by tests
// to pick a port for a worker listener or for a dial that must fail.
func EphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("netutil: resolving ephemeral address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("netutil: acquiring ephemeral port: %w", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}
