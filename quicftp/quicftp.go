// Package quicftp carries FTP sessions over QUIC.
//
// The first stream a client opens on a QUIC connection is the control
// connection. Every later stream is a passive data connection: the control
// Conn implements server.ListenerFactory, so a server serving a Listener
// takes data connections from the same QUIC connection instead of opening
// TCP ports. Active mode has no meaning here and should be disabled with
// server.WithDisableCommands(server.ActiveModeCommands...).
//
// Clients write a single zero byte when opening a stream; Dialer does this
// and can be plugged into github.com/jlaffaye/ftp with DialWithDialFunc.
package quicftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol negotiated for FTP over QUIC.
const NextProto = "ftp-over-quic"

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the listener's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithQUICConfig sets the QUIC transport configuration.
func WithQUICConfig(conf *quic.Config) Option {
	return func(l *Listener) {
		l.quicConf = conf
	}
}

// WithControlTimeout bounds the wait for a new QUIC connection's control
// stream. The default is 10 seconds.
func WithControlTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.controlTimeout = d
	}
}

// Listener accepts FTP control connections over QUIC. It implements
// net.Listener and can be passed to server.Serve.
type Listener struct {
	ql             *quic.Listener
	logger         *slog.Logger
	quicConf       *quic.Config
	controlTimeout time.Duration

	conns  chan *Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done chan struct{}
	err  error
}

// Listen listens for QUIC connections on the UDP address addr. tlsConf
// must carry a certificate. NextProto is offered when tlsConf names no
// protocols.
func Listen(addr string, tlsConf *tls.Config, opts ...Option) (*Listener, error) {
	if tlsConf == nil || (len(tlsConf.Certificates) == 0 && tlsConf.GetCertificate == nil) {
		return nil, errors.New("quicftp: TLS config with a certificate is required")
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{NextProto}
	}

	l := &Listener{
		logger: slog.Default(),
		quicConf: &quic.Config{
			MaxIncomingStreams: 100,
			KeepAlivePeriod:    30 * time.Second,
		},
		controlTimeout: 10 * time.Second,
		conns:          make(chan *Conn),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	ql, err := quic.ListenAddr(addr, tlsConf, l.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quicftp: listen %s: %w", addr, err)
	}
	l.ql = ql
	l.ctx, l.cancel = context.WithCancel(context.Background())

	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		qc, err := l.ql.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				err = net.ErrClosed
			}
			l.err = err
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handshake(qc)
		}()
	}
}

// handshake waits for the control stream of a new QUIC connection and
// hands it to Accept.
func (l *Listener) handshake(qc *quic.Conn) {
	remote := qc.RemoteAddr().String()
	ctx, cancel := context.WithTimeout(l.ctx, l.controlTimeout)
	defer cancel()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		l.logger.Warn("quic_control_stream_failed", "remote_addr", remote, "error", err)
		_ = qc.CloseWithError(1, "no control stream")
		return
	}
	conn := newConn(stream, qc, true)
	if err := conn.readMarker(); err != nil {
		l.logger.Warn("quic_control_stream_failed", "remote_addr", remote, "error", err)
		conn.Close()
		return
	}
	l.logger.Debug("quic_session_opened", "remote_addr", remote, "stream", int64(stream.StreamID()))

	select {
	case l.conns <- conn:
	case <-l.ctx.Done():
		conn.Close()
	}
}

// Accept waits for the next control connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, l.err
	}
}

// Close stops accepting. Established sessions are unaffected.
func (l *Listener) Close() error {
	l.cancel()
	err := l.ql.Close()
	<-l.done
	l.wg.Wait()
	return err
}

// Addr returns the UDP address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.ql.Addr()
}

// Dialer opens FTP connections to a QUIC server. The first Dial opens the
// QUIC connection and returns its control stream; later calls return new
// data streams of the same connection. A Dialer serves one session.
type Dialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	mu sync.Mutex
	qc *quic.Conn
}

// Dial returns the next stream. The address is only used to establish
// the QUIC connection.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext is Dial with a context bounding connection and stream setup.
func (d *Dialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	control := d.qc == nil
	if control {
		tlsConf := d.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		if len(tlsConf.NextProtos) == 0 {
			tlsConf = tlsConf.Clone()
			tlsConf.NextProtos = []string{NextProto}
		}
		qc, err := quic.DialAddr(ctx, address, tlsConf, d.QUICConfig)
		if err != nil {
			return nil, fmt.Errorf("quicftp: dial %s: %w", address, err)
		}
		d.qc = qc
	}

	stream, err := d.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicftp: open stream: %w", err)
	}
	if _, err := stream.Write([]byte{streamMarker}); err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, fmt.Errorf("quicftp: open stream: %w", err)
	}
	conn := newConn(stream, d.qc, control)
	conn.tcpAddr = true
	return conn, nil
}

// Close closes the QUIC connection and every stream on it.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.qc == nil {
		return nil
	}
	err := d.qc.CloseWithError(0, "")
	d.qc = nil
	return err
}
