package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// dataState is the life cycle of a negotiated data channel.
type dataState int

const (
	dataIdle dataState = iota
	dataRequested
	dataListening
	dataConnecting
	dataEstablished
	dataConsumed
)

func (d dataState) String() string {
	switch d {
	case dataIdle:
		return "idle"
	case dataRequested:
		return "requested"
	case dataListening:
		return "listening"
	case dataConnecting:
		return "connecting"
	case dataEstablished:
		return "established"
	case dataConsumed:
		return "consumed"
	}
	return "unknown"
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// dataChannel is the negotiated but unconsumed data connection of a
// session. A session holds at most one.
type dataChannel struct {
	state dataState

	// Passive: the accept goroutine sends exactly one result.
	cancel context.CancelFunc
	result chan acceptResult

	// Active: the client address to dial.
	activeAddr string
}

// releaseData discards the negotiated data channel, closing its listener
// and any connection that was already accepted. The passive port is back
// in the pool when it returns.
func (s *Session) releaseData() {
	d := s.data
	if d == nil {
		return
	}
	s.data = nil
	if d.cancel != nil {
		d.cancel()
		if r := <-d.result; r.conn != nil {
			r.conn.Close()
		}
	}
}

// checkDataMode rejects switching between data channel commands within a
// session. REIN clears the mode.
func (s *Session) checkDataMode(verb string) *Response {
	if s.dataMode != "" && s.dataMode != verb {
		return reply(500, "Cannot use %s when %s was used before.", verb, s.dataMode)
	}
	return nil
}

func (s *Session) handlePASV(ctx context.Context, _ string) (*Response, error) {
	return s.passive(ctx, "PASV"), nil
}

func (s *Session) handleEPSV(ctx context.Context, arg string) (*Response, error) {
	switch proto := strings.ToUpper(strings.TrimSpace(arg)); proto {
	case "", "ALL":
	case "1", "2":
		family := "1"
		if addrIP(s.localAddr()).To4() == nil {
			family = "2"
		}
		if proto != family {
			return reply(522, "Network protocol not supported, use (%s).", family), nil
		}
	default:
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	return s.passive(ctx, "EPSV"), nil
}

// passive leases a port, listens on it and replies with its address. The
// client connection is accepted in the background.
func (s *Session) passive(ctx context.Context, verb string) *Response {
	if r := s.checkDataMode(verb); r != nil {
		return r
	}
	s.releaseData()

	ln, release, err := s.listenData(ctx)
	if err != nil {
		s.logger.Warn("passive_listen_failed", "cmd", verb, "error", err)
		return reply(425, "Can't open data connection.")
	}

	port := portOf(ln.Addr())
	localIP := addrIP(s.localAddr())

	var resp *Response
	if verb == "EPSV" || localIP.To4() == nil {
		resp = reply(229, "Entering Extended Passive Mode (|||%d|).", port)
	} else {
		ip := s.passiveIP(localIP)
		resp = reply(227, "Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
			ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff)
	}

	s.startAccept(ln, release)
	s.dataMode = verb
	s.logger.Debug("passive_listening", "cmd", verb, "port", port)
	return resp
}

// listenData opens the passive listener. The returned release function
// returns the leased port, if any, to the pool and is safe to call more
// than once.
func (s *Session) listenData(ctx context.Context) (net.Listener, func(), error) {
	noop := func() {}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	// Transports that carry data over the control connection itself.
	if lf, ok := conn.(ListenerFactory); ok {
		ln, err := lf.Listen("tcp", "")
		return ln, noop, err
	}

	host := addrIP(conn.LocalAddr()).String()
	pool := s.server.ports
	if pool == nil {
		ln, err := s.server.listenerFactory.Listen("tcp", net.JoinHostPort(host, "0"))
		return ln, noop, err
	}

	port, err := pool.Lease(ctx, s.server.leaseTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("lease passive port: %w", err)
	}
	release := sync.OnceFunc(func() {
		if err := pool.Release(port); err != nil {
			s.logger.Error("passive_port_release_failed", "port", port, "error", err)
		}
	})
	s.logger.Debug("passive_port_leased", "port", port)

	ln, err := s.server.listenerFactory.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return ln, release, nil
}

// startAccept accepts the data connection in the background. The listener
// is closed and the port released once a connection is accepted, the
// accept timeout expires, or the channel is released.
func (s *Session) startAccept(ln net.Listener, release func()) {
	ctx, cancel := context.WithTimeout(s.ctx, s.server.acceptTimeout)
	d := &dataChannel{
		state:  dataListening,
		cancel: cancel,
		result: make(chan acceptResult, 1),
	}
	s.data = d

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	go func() {
		conn, err := s.acceptPeer(ctx, ln)
		stop()
		ln.Close()
		release()
		d.result <- acceptResult{conn: conn, err: err}
	}()
}

// acceptPeer accepts connections until one comes from the control
// connection's peer.
func (s *Session) acceptPeer(ctx context.Context, ln net.Listener) (net.Conn, error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("accept data connection: %w", context.Cause(ctx))
			}
			return nil, err
		}
		if s.samePeer(conn.RemoteAddr()) {
			return conn, nil
		}
		s.logger.Warn("data_connection_rejected",
			"reason", "remote address mismatch",
			"addr", s.server.redactIP(addrIP(conn.RemoteAddr()).String()),
		)
		conn.Close()
	}
}

// samePeer reports whether addr belongs to the control connection's peer.
func (s *Session) samePeer(addr net.Addr) bool {
	ip := addrIP(addr)
	return ip != nil && ip.Equal(net.ParseIP(s.remoteIP))
}

// passiveIP returns the IPv4 address announced in a 227 reply.
func (s *Session) passiveIP(local net.IP) net.IP {
	host := s.server.publicHost
	if host == "" {
		if ip4 := local.To4(); ip4 != nil {
			return ip4
		}
		return net.IPv4zero.To4()
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return ip.To4()
	}
	if host == s.lastPublicHost && s.resolvedIP != nil {
		return s.resolvedIP
	}
	ips, err := net.LookupIP(host)
	if err == nil {
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				s.lastPublicHost = host
				s.resolvedIP = ip4
				return ip4
			}
		}
	}
	s.logger.Warn("public_host_unresolved", "host", host, "error", err)
	if ip4 := local.To4(); ip4 != nil {
		return ip4
	}
	return net.IPv4zero.To4()
}

func (s *Session) handlePORT(_ context.Context, arg string) (*Response, error) {
	if r := s.checkDataMode("PORT"); r != nil {
		return r, nil
	}

	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return reply(501, "Invalid port number."), nil
	}
	ip := net.ParseIP(strings.Join(parts[:4], "."))
	if ip == nil {
		return reply(501, "Invalid IP address."), nil
	}
	if !ip.Equal(net.ParseIP(s.remoteIP)) {
		return reply(500, "Illegal PORT command."), nil
	}

	s.setActive(ip, p1<<8|p2)
	s.dataMode = "PORT"
	return reply(200, "PORT command successful."), nil
}

func (s *Session) handleEPRT(_ context.Context, arg string) (*Response, error) {
	if r := s.checkDataMode("EPRT"); r != nil {
		return r, nil
	}

	// Format: <d><proto><d><ip><d><port><d>
	if len(arg) < 4 {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	parts := strings.Split(arg, arg[:1])
	if len(parts) != 5 {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	proto, ipStr, portStr := parts[1], parts[2], parts[3]
	if proto != "1" && proto != "2" {
		return reply(522, "Network protocol not supported, use (1,2)."), nil
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return reply(501, "Invalid network address."), nil
	}
	if proto == "1" && ip.To4() == nil {
		return reply(522, "Network protocol not supported, use (2)."), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return reply(501, "Invalid port number."), nil
	}
	if !ip.Equal(net.ParseIP(s.remoteIP)) {
		return reply(500, "Illegal EPRT command."), nil
	}

	s.setActive(ip, port)
	s.dataMode = "EPRT"
	return reply(200, "EPRT command successful."), nil
}

func (s *Session) setActive(ip net.IP, port int) {
	s.releaseData()
	s.data = &dataChannel{
		state:      dataRequested,
		activeAddr: net.JoinHostPort(ip.String(), strconv.Itoa(port)),
	}
}

// OpenDataConn returns the data connection negotiated with PASV, EPSV,
// PORT or EPRT, waiting for the client to connect in passive mode. The
// channel is consumed: the next transfer needs a new negotiation. The
// connection is closed when ctx is canceled, which is how ABOR interrupts
// a transfer.
func (s *Session) OpenDataConn(ctx context.Context) (net.Conn, error) {
	d := s.data
	if d == nil {
		return nil, errors.New("no data connection negotiated")
	}
	s.data = nil

	var conn net.Conn
	switch d.state {
	case dataListening:
		select {
		case r := <-d.result:
			if r.err != nil {
				return nil, r.err
			}
			conn = r.conn
		case <-ctx.Done():
			d.cancel()
			if r := <-d.result; r.conn != nil {
				r.conn.Close()
			}
			return nil, ctx.Err()
		}
	case dataRequested:
		d.state = dataConnecting
		s.logger.Debug("dialing_active_connection", "addr", s.server.redactIP(d.activeAddr))
		dialer := net.Dialer{Timeout: s.server.acceptTimeout}
		c, err := dialer.DialContext(ctx, "tcp", d.activeAddr)
		if err != nil {
			return nil, fmt.Errorf("dial data connection: %w", err)
		}
		conn = c
	default:
		return nil, fmt.Errorf("data connection is %s", d.state)
	}
	d.state = dataEstablished

	conn, err := s.wrapDataConn(ctx, conn)
	if err != nil {
		return nil, err
	}
	d.state = dataConsumed
	context.AfterFunc(ctx, func() { conn.Close() })
	return conn, nil
}

// wrapDataConn applies PROT P and registers the connection for shutdown.
// It is the only place where data connections get TLS.
func (s *Session) wrapDataConn(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if s.prot == 'P' && s.server.tlsConfig != nil {
		// RFC 4217: the FTP server acts as the TLS server.
		tlsConn := tls.Server(conn, s.server.tlsConfig)
		hsCtx, cancel := context.WithTimeout(ctx, s.server.acceptTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("data connection TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	if !s.server.trackConnection(conn, true) {
		conn.Close()
		return nil, ErrServerClosed
	}
	return &trackingConn{Conn: conn, server: s.server}, nil
}

// dataStatus describes the data channel for STAT.
func (s *Session) dataStatus() string {
	if s.data == nil {
		return "No data connection"
	}
	return fmt.Sprintf("Data connection %s (%s)", s.data.state, s.dataMode)
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}
