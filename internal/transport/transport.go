// Package transport implements the length-framed TCP links the protocol
// runs over: a client connecting to its first party, a party accepting
// connections from its predecessor and its own siblings, and a sibling
// group of servers within one party talking to each other during the
// parallel shuffle.
//
// The original implementation drives everything through raw poll(2) over
// a handful of non-blocking sockets. Here each Conn is a plain blocking
// buffered reader/writer pair; for sibling connections, one goroutine per
// sibling waits for readable data and reports it over a channel, with
// `select` doing the multiplexing poll(2) did — see ParallelGroup.Poll.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/auroradata-ai/dppir/internal/logging"
	"github.com/auroradata-ai/dppir/internal/types"
)

const (
	// bufferSize mirrors the original's BUFFER_SIZE: the size of the
	// bufio read/write buffers backing every connection.
	bufferSize = 140000
	// socketBuffer mirrors the original's RCVBUF/SNDBUF: the requested
	// kernel socket buffer size, set generously above the default so a
	// full batch of ciphers can be in flight without blocking.
	socketBuffer = 12328960
	// dialRetryInterval mirrors the original's `while (connect<0) sleep(1)`
	// busy-wait: a party may come up before the peer it dials is listening.
	dialRetryInterval = time.Second
)

// TruncatedError reports a connection that closed mid-frame: fewer bytes
// arrived than the protocol promised, which can never be a valid framing
// and is always fatal to the connection.
type TruncatedError struct {
	Want int
	Got  int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("transport: truncated read, wanted %d bytes, got %d", e.Want, e.Got)
}

// Conn wraps one TCP connection with buffered framed I/O. It is not safe
// for concurrent use by multiple goroutines on the same direction (reads
// from one goroutine, writes from another, is fine).
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func setSocketOptions(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetReadBuffer(socketBuffer); err != nil {
		return err
	}
	if err := conn.SetWriteBuffer(socketBuffer); err != nil {
		return err
	}
	return nil
}

// WrapConn builds a framed Conn around an already-established net.Conn,
// applying the protocol's TCP tuning when the connection is a TCP socket.
func WrapConn(conn net.Conn) (*Conn, error) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := setSocketOptions(tcp); err != nil {
			return nil, fmt.Errorf("transport: setting socket options: %w", err)
		}
	}
	return &Conn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, bufferSize),
		w:    bufio.NewWriterSize(conn, bufferSize),
	}, nil
}

// Dial connects to addr:port, retrying once a second until the peer
// accepts, matching the original's blocking-client-before-server-is-ready
// startup order.
func Dial(ip string, port int) (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	logging.Info("transport: connecting to %s", addr)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			logging.Info("transport: connected to %s", addr)
			return WrapConn(conn)
		}
		logging.Debug("transport: dial %s failed (%v), retrying", addr, err)
		time.Sleep(dialRetryInterval)
	}
}

// Close flushes any pending writes and closes the underlying connection.
func (c *Conn) Close() error {
	_ = c.w.Flush()
	return c.conn.Close()
}

func (c *Conn) readFull(buf []byte) error {
	n, err := io.ReadFull(c.r, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return &TruncatedError{Want: len(buf), Got: n}
		}
		return fmt.Errorf("transport: read: %w", err)
	}
	return nil
}

func (c *Conn) writeFull(buf []byte) error {
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Flush pushes any buffered writes out onto the wire.
func (c *Conn) Flush() error {
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}

// SendCount tells the peer how many queries/ciphers are about to be sent
// in this round.
func (c *Conn) SendCount(count types.Index) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], count)
	if err := c.writeFull(buf[:]); err != nil {
		return err
	}
	return c.Flush()
}

// ReadCount reads the count sent by SendCount.
func (c *Conn) ReadCount() (types.Index, error) {
	var buf [4]byte
	if err := c.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// SendReady signals the peer that this side has finished its offline
// setup and is ready to proceed.
func (c *Conn) SendReady() error {
	if err := c.writeFull([]byte{1}); err != nil {
		return err
	}
	return c.Flush()
}

// WaitForReady blocks until the peer's SendReady signal arrives.
func (c *Conn) WaitForReady() error {
	var buf [1]byte
	if err := c.readFull(buf[:]); err != nil {
		return err
	}
	if buf[0] != 1 {
		return fmt.Errorf("transport: expected ready signal (1), got %d", buf[0])
	}
	return nil
}

// SendCipher buffers one onion cipher for sending. Call Flush to push
// buffered ciphers onto the wire.
func (c *Conn) SendCipher(cipher []byte) error { return c.writeFull(cipher) }

// ReadCiphers reads exactly count ciphers of cipherSize bytes each.
func (c *Conn) ReadCiphers(count types.Index, cipherSize int) ([][]byte, error) {
	out := make([][]byte, count)
	for i := range out {
		buf := make([]byte, cipherSize)
		if err := c.readFull(buf); err != nil {
			return nil, err
		}
		out[i] = buf
	}
	return out, nil
}

// SendQuery buffers one query for sending.
func (c *Conn) SendQuery(q types.Query) error {
	var buf [types.QuerySize]byte
	types.PutQuery(buf[:], q)
	return c.writeFull(buf[:])
}

// ReadQueries reads exactly count queries.
func (c *Conn) ReadQueries(count types.Index) ([]types.Query, error) {
	out := make([]types.Query, count)
	var buf [types.QuerySize]byte
	for i := range out {
		if err := c.readFull(buf[:]); err != nil {
			return nil, err
		}
		out[i] = types.QueryFrom(buf[:])
	}
	return out, nil
}

// SendResponse buffers one response for sending.
func (c *Conn) SendResponse(r types.Response) error {
	var buf [types.ResponseSize]byte
	types.PutResponse(buf[:], r)
	return c.writeFull(buf[:])
}

// SendResponses buffers a whole batch of responses and flushes once.
func (c *Conn) SendResponses(responses []types.Response) error {
	for _, r := range responses {
		if err := c.SendResponse(r); err != nil {
			return err
		}
	}
	return c.Flush()
}

// ReadResponses reads exactly count responses.
func (c *Conn) ReadResponses(count types.Index) ([]types.Response, error) {
	out := make([]types.Response, count)
	var buf [types.ResponseSize]byte
	for i := range out {
		if err := c.readFull(buf[:]); err != nil {
			return nil, err
		}
		out[i] = types.ResponseFrom(buf[:])
	}
	return out, nil
}

// ReadRaw reads exactly n bytes, for payloads (e.g. onion secrets) the
// caller decodes itself.
func (c *Conn) ReadRaw(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SendRaw buffers n raw bytes for sending.
func (c *Conn) SendRaw(buf []byte) error { return c.writeFull(buf) }
