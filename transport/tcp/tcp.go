package tcp

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/transport"
)

// Socket implements transport.Socket over an established net.Conn.
//
// net.Conn only offers blocking calls, so every Read and Write runs in its
// own goroutine and reports back by posting the completion to the runner.
// Both calls therefore always return transport.ErrIOPending. The transport
// never has more than one read and one write outstanding, which is exactly
// the concurrency net.Conn supports.
//
// The conn may be a plain TCP connection or a TLS client wrapped around one;
// framing happens above this layer.
type Socket struct {
	conn      net.Conn
	runner    sequence.Runner
	closeOnce sync.Once // guarantees the conn is closed exactly once
	closed    atomic.Bool
}

// ErrSocketClosed is reported for I/O attempted after Close.
var ErrSocketClosed = errors.New("tcp socket closed")

// New wraps conn. The conn must already be established; dialing happens
// outside. Completions are posted to runner.
func New(conn net.Conn, runner sequence.Runner) *Socket {
	return &Socket{conn: conn, runner: runner}
}

// Read starts a read into buf. buf must not be touched until done runs.
func (s *Socket) Read(buf []byte, done func(int, error)) (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	go func() {
		n, err := s.conn.Read(buf)
		s.complete(done, n, err)
	}()
	return 0, transport.ErrIOPending
}

// Write starts a write of buf. Unlike io.Writer, done may report a short
// count; the transport writes the rest.
func (s *Socket) Write(buf []byte, done func(int, error)) (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	go func() {
		n, err := s.conn.Write(buf)
		s.complete(done, n, err)
	}()
	return 0, transport.ErrIOPending
}

func (s *Socket) complete(done func(int, error), n int, err error) {
	// a conn closed underneath a pending call unblocks it with an error;
	// report that as the closed socket it is
	if err != nil && s.closed.Load() {
		err = ErrSocketClosed
	}
	s.runner.Post(func() { done(n, err) })
}

// SetBufferSizes sets the kernel send and receive buffer sizes. Values <= 0
// leave the default. It is a no-op for conns that are not *net.TCPConn.
func (s *Socket) SetBufferSizes(send, receive int) error {
	tcp, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if send > 0 {
		if err := tcp.SetWriteBuffer(send); err != nil {
			return err
		}
	}
	if receive > 0 {
		if err := tcp.SetReadBuffer(receive); err != nil {
			return err
		}
	}
	return nil
}

// Conn returns the wrapped connection.
func (s *Socket) Conn() net.Conn {
	return s.conn
}

// Close closes the connection, unblocking any pending read or write.
// Safe to call multiple times; cleanup runs exactly once due to sync.Once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}
