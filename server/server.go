package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/gonzalop/ftpd/internal/portpool"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/internal/transfers"
)

// Server is the FTP server.
//
// It handles listening for incoming connections and dispatching them to
// client sessions. Each connection runs in its own goroutine. The passive
// port pool and the background transfer coordinator are owned by the
// Server and shared by all of its sessions, across all listeners passed
// to Serve.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve() (Serve may be called for
//     several listeners concurrently)
//  3. Stop with Shutdown()
//
// Basic example:
//
//	driver, _ := server.NewFSDriver("/tmp/ftp")
//	s, err := server.NewServer(":21", server.WithFileSystem(driver))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	addr string

	fsFactory FileSystemFactory
	providers []MembershipProvider
	logger    *slog.Logger

	// tlsConfig is the TLS configuration for FTPS. If nil, TLS is disabled.
	tlsConfig   *tls.Config
	implicitTLS bool
	setupHooks  []ConnectionSetupFunc

	welcomeMessage   string
	serverName       string
	enableDirMessage bool
	defaultEncoding  encoding.Encoding

	maxIdleTime   time.Duration
	writeTimeout  time.Duration
	leaseTimeout  time.Duration
	acceptTimeout time.Duration

	maxConnections      int
	maxConnectionsPerIP int
	activeConns         atomic.Int32
	connsByIP           map[string]int32
	connsByIPMu         sync.Mutex

	pasvMinPort, pasvMaxPort int
	ports                    *portpool.Pool
	publicHost               string
	listenerFactory          ListenerFactory

	commands         *registry
	disabledCommands []string
	extraCommands    []CommandSpec

	globalLimiter         *ratelimit.Limiter
	bandwidthLimitPerUser int64

	maxBackgroundTransfers int
	transferRetention      int
	transfers              *transfers.Coordinator
	sharedTransfers        *transfers.Coordinator

	metricsCollector MetricsCollector
	transferLog      io.Writer
	transferLogMu    sync.Mutex
	pathRedactor     PathRedactor
	redactIPs        bool

	// Shutdown handling
	baseCtx    context.Context
	cancelBase context.CancelFunc
	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	conns      map[net.Conn]struct{}
	sessions   sync.WaitGroup
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// ListenerFactory creates listeners for passive data connections.
type ListenerFactory interface {
	Listen(network, address string) (net.Listener, error)
}

// DefaultListenerFactory listens with net.Listen.
type DefaultListenerFactory struct{}

func (DefaultListenerFactory) Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// A file system must be provided via WithFileSystem.
//
// Default values:
//   - Logger: slog.Default()
//   - Membership: AnonymousProvider
//   - MaxIdleTime: none (control reads wait indefinitely)
//   - Lease timeout: 5 seconds, accept timeout: 10 seconds
//   - Encoding: UTF-8
//   - TLS: disabled
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:                   addr,
		logger:                 slog.Default(),
		providers:              []MembershipProvider{AnonymousProvider{}},
		welcomeMessage:         "FTP Server Ready",
		defaultEncoding:        unicode.UTF8,
		leaseTimeout:           5 * time.Second,
		acceptTimeout:          10 * time.Second,
		listenerFactory:        DefaultListenerFactory{},
		maxBackgroundTransfers: 4,
		transferRetention:      256,
		connsByIP:              make(map[string]int32),
		listeners:              make(map[net.Listener]struct{}),
		conns:                  make(map[net.Conn]struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.fsFactory == nil {
		return nil, fmt.Errorf("file system is required (use WithFileSystem option)")
	}
	if s.implicitTLS {
		if s.tlsConfig == nil {
			return nil, fmt.Errorf("implicit TLS requires WithTLS")
		}
		s.setupHooks = append([]ConnectionSetupFunc{s.implicitTLSSetup}, s.setupHooks...)
	}

	if s.pasvMinPort > 0 {
		pool, err := portpool.New(s.pasvMinPort, s.pasvMaxPort)
		if err != nil {
			return nil, err
		}
		s.ports = pool
	}

	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.commands = newRegistry()
	for _, spec := range builtinCommands {
		if err := s.commands.add(spec); err != nil {
			return nil, err
		}
	}
	for _, spec := range s.extraCommands {
		if err := s.commands.add(spec); err != nil {
			return nil, err
		}
	}
	for _, name := range s.disabledCommands {
		s.commands.remove(name)
	}

	s.transfers = s.sharedTransfers
	if s.transfers == nil {
		s.transfers = transfers.New(
			transfers.WithConcurrency(s.maxBackgroundTransfers),
			transfers.WithRetention(s.transferRetention),
			transfers.WithLogger(s.logger),
			transfers.WithCompletionHook(s.backgroundTransferDone),
		)
	}

	return s, nil
}

// ListenAndServe starts the FTP server on the configured address.
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("server_listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Serve accepts incoming connections on the listener l.
// It blocks until the listener fails or Shutdown is called, in which case
// it returns ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
		l.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				tempDelay = max(5*time.Millisecond, min(2*tempDelay, time.Second))
				s.logger.Warn("accept_error", "error", err, "retry_in", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops the server. It closes all listeners and connections,
// then waits for background transfers to complete until ctx is done, at
// which point they are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	var result *multierror.Error

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[net.Listener]struct{})
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	for ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	s.cancelBase()
	for conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	// A borrowed coordinator is closed by the server that created it.
	if s.sharedTransfers == nil {
		if err := s.transfers.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("background transfers: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// BackgroundTransfers returns a snapshot of the background transfers
// tracked by the server. Unlike SITE BLST it does not count as reporting
// finished records, so polling it never hides them from clients.
func (s *Server) BackgroundTransfers() []transfers.Info {
	return s.transfers.Snapshot()
}

func (s *Server) backgroundTransferDone(info transfers.Info) {
	if s.metricsCollector != nil && info.Status == transfers.Finished {
		s.metricsCollector.RecordTransfer("BACKGROUND", info.Transferred, info.Finished.Sub(info.Started))
	}
}

// trackConnection registers or unregisters a control or data connection
// so that Shutdown can close it. It returns false if the server is
// shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
		return true
	}
	delete(s.conns, conn)
	return true
}

// trackingConn untracks a data connection when it is closed.
type trackingConn struct {
	net.Conn
	server *Server
}

func (c *trackingConn) Close() error {
	c.server.trackConnection(c.Conn, false)
	return c.Conn.Close()
}

func remoteIPOf(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}

// handleConnection enforces connection limits, runs the setup hooks and
// serves the session.
func (s *Server) handleConnection(conn net.Conn) {
	ip := remoteIPOf(conn)

	if !s.trackConnection(conn, true) {
		conn.Close()
		return
	}
	tracked := conn
	defer func() { s.trackConnection(tracked, false) }()

	if reason, msg := s.admit(ip); reason != "" {
		s.logger.Warn("connection_rejected",
			"remote_ip", s.redactIP(ip),
			"reason", reason,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, reason)
		}
		fmt.Fprintf(conn, "421 %s\r\n", msg)
		conn.Close()
		return
	}
	defer s.release(ip)

	conn, err := s.setupConnection(conn)
	if err != nil {
		s.logger.Warn("connection_setup_failed",
			"remote_ip", s.redactIP(ip),
			"error", err,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, "setup_failed")
		}
		return
	}
	if conn != tracked {
		s.trackConnection(tracked, false)
		tracked = conn
		if !s.trackConnection(conn, true) {
			conn.Close()
			return
		}
	}
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	session := newSession(s, conn)
	session.serve()
}

// admit reserves a connection slot for ip. It returns a non-empty reason
// and reply text when a limit is reached.
func (s *Server) admit(ip string) (string, string) {
	if n := s.activeConns.Add(1); s.maxConnections > 0 && int(n) > s.maxConnections {
		s.activeConns.Add(-1)
		return "global_limit_reached", "Too many users, sorry."
	}

	if s.maxConnectionsPerIP > 0 {
		s.connsByIPMu.Lock()
		defer s.connsByIPMu.Unlock()
		if s.connsByIP[ip] >= int32(s.maxConnectionsPerIP) {
			s.activeConns.Add(-1)
			return "per_ip_limit_reached", "Too many connections from your IP address."
		}
		s.connsByIP[ip]++
	}
	return "", ""
}

func (s *Server) release(ip string) {
	s.activeConns.Add(-1)
	if s.maxConnectionsPerIP > 0 {
		s.connsByIPMu.Lock()
		s.connsByIP[ip]--
		if s.connsByIP[ip] <= 0 {
			delete(s.connsByIP, ip)
		}
		s.connsByIPMu.Unlock()
	}
}

// setupConnection runs the connection setup hooks in order. The connection
// is closed if a hook fails.
func (s *Server) setupConnection(conn net.Conn) (net.Conn, error) {
	if len(s.setupHooks) == 0 {
		return conn, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.acceptTimeout)
	defer cancel()

	for _, hook := range s.setupHooks {
		next, err := hook(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = next
	}
	return conn, nil
}

// implicitTLSSetup performs the server side of an implicit FTPS handshake.
func (s *Server) implicitTLSSetup(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, s.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("implicit TLS handshake: %w", err)
	}
	return tlsConn, nil
}
