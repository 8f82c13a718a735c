package transport

import (
	"fmt"
	"net"

	"github.com/auroradata-ai/dppir/internal/logging"
)

// Listener accepts a known number of incoming connections on one port, in
// connection order, matching the original's ListenOn semantics.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on port across all interfaces.
func Listen(port int) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen on port %d: %w", port, err)
	}
	logging.Info("transport: listening on port %d", port)
	return &Listener{ln: ln}, nil
}

// Accept blocks for and wraps the next incoming connection.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return WrapConn(conn)
}

// AcceptN blocks until count connections have arrived, returning them in
// the order they connected.
func (l *Listener) AcceptN(count int) ([]*Conn, error) {
	conns := make([]*Conn, count)
	for i := 0; i < count; i++ {
		conn, err := l.Accept()
		if err != nil {
			return nil, err
		}
		conns[i] = conn
	}
	return conns, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
