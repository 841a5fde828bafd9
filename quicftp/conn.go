package quicftp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamMarker is the byte a client writes first on every stream it opens.
// QUIC announces a stream to the peer only once data flows on it, and an
// FTP client has nothing to say before the server's greeting.
const streamMarker = 0

// Conn is a QUIC stream presented as a net.Conn. A control Conn also
// implements server.ListenerFactory so passive data connections arrive
// as new streams of the same QUIC connection.
type Conn struct {
	stream  *quic.Stream
	qc      *quic.Conn
	control bool
	tcpAddr bool

	// pending holds a byte read while looking for the marker.
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func newConn(stream *quic.Stream, qc *quic.Conn, control bool) *Conn {
	return &Conn{stream: stream, qc: qc, control: control}
}

// readMarker consumes the stream marker. A control stream opened by a
// client that speaks first keeps its first byte.
func (c *Conn) readMarker() error {
	b := make([]byte, 1)
	if _, err := c.stream.Read(b); err != nil {
		return err
	}
	if b[0] != streamMarker && c.control {
		c.pending = b
	}
	return nil
}

func (c *Conn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 && len(b) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.stream.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

// Close ends the stream in both directions. Closing a control Conn closes
// the whole QUIC connection with it.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stream.Close()
		c.stream.CancelRead(0)
		if c.control {
			_ = c.qc.CloseWithError(0, "session closed")
		}
	})
	return c.closeErr
}

// LocalAddr returns the QUIC connection's local UDP address.
func (c *Conn) LocalAddr() net.Addr {
	return c.addr(c.qc.LocalAddr())
}

// RemoteAddr returns the QUIC connection's remote UDP address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.addr(c.qc.RemoteAddr())
}

// addr reports client side addresses as TCP ones; FTP clients assume a
// stream transport when they remember the server host.
func (c *Conn) addr(a net.Addr) net.Addr {
	if u, ok := a.(*net.UDPAddr); ok && c.tcpAddr {
		return &net.TCPAddr{IP: u.IP, Port: u.Port, Zone: u.Zone}
	}
	return a
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// Listen returns a listener for the next streams the client opens on this
// connection. Network and address are ignored.
func (c *Conn) Listen(_, _ string) (net.Listener, error) {
	if !c.control {
		return nil, &net.OpError{Op: "listen", Net: "quic", Addr: c.LocalAddr(), Err: net.ErrClosed}
	}
	ctx, cancel := context.WithCancel(c.qc.Context())
	return &streamListener{qc: c.qc, ctx: ctx, cancel: cancel}, nil
}

// streamListener accepts data streams of one QUIC connection.
type streamListener struct {
	qc     *quic.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *streamListener) Accept() (net.Conn, error) {
	stream, err := l.qc.AcceptStream(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	conn := newConn(stream, l.qc, false)
	if err := conn.readMarker(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (l *streamListener) Close() error {
	l.cancel()
	return nil
}

func (l *streamListener) Addr() net.Addr {
	return l.qc.LocalAddr()
}

var (
	_ net.Conn     = (*Conn)(nil)
	_ net.Listener = (*streamListener)(nil)
)
