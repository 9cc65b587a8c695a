package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// FreePort returns preferred if it can be bound on host, otherwise a port picked by the OS.
// The port is released before returning, so another process may still grab it.
func FreePort(host string, preferred int) (int, error) {
	if preferred > 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(preferred)))
		if err == nil {
			return preferred, l.Close()
		}
	}

	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("no free port on %s: %w", host, err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %s", l.Addr())
	}
	return addr.Port, nil
}
