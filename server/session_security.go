package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"strings"
)

// handleAUTH upgrades the control connection to TLS (RFC 4217).
func (s *Session) handleAUTH(ctx context.Context, arg string) (*Response, error) {
	if s.server.tlsConfig == nil {
		return reply(502, "TLS not configured."), nil
	}
	mech := strings.ToUpper(strings.TrimSpace(arg))
	if mech != "TLS" && mech != "TLS-C" && mech != "SSL" {
		return reply(504, "Only AUTH TLS is supported."), nil
	}

	s.mu.Lock()
	_, secure := s.conn.(*tls.Conn)
	s.mu.Unlock()
	if secure {
		return reply(503, "Already using TLS."), nil
	}

	if err := s.Reply(reply(234, "AUTH TLS successful.")); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	hsCtx, cancel := context.WithTimeout(ctx, s.server.acceptTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		s.logger.Warn("tls_handshake_failed", "error", err)
		// The connection is unusable after a failed handshake.
		s.conn.Close()
		return nil, nil
	}

	s.conn = tlsConn
	s.tnet = newTelnetReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.logger.Debug("control_connection_secured", "version", tls.VersionName(tlsConn.ConnectionState().Version))
	return nil, nil
}

// handlePBSZ accepts only a protection buffer size of 0, as required for TLS.
func (s *Session) handlePBSZ(_ context.Context, arg string) (*Response, error) {
	if s.server.tlsConfig == nil {
		return reply(502, "TLS not configured."), nil
	}
	s.pbsz = true
	if strings.TrimSpace(arg) != "0" {
		return reply(200, "PBSZ=0"), nil
	}
	return reply(200, "PBSZ command successful."), nil
}

// handlePROT sets the data channel protection level.
func (s *Session) handlePROT(_ context.Context, arg string) (*Response, error) {
	if s.server.tlsConfig == nil {
		return reply(502, "TLS not configured."), nil
	}
	if !s.pbsz {
		return reply(503, "PBSZ required before PROT."), nil
	}
	switch level := strings.ToUpper(strings.TrimSpace(arg)); level {
	case "P", "C":
		s.prot = level[0]
		return reply(200, "PROT %s OK.", level), nil
	case "S", "E":
		return reply(536, "Protection level not supported."), nil
	default:
		return reply(504, "PROT not implemented."), nil
	}
}

func (s *Session) handleCCC(context.Context, string) (*Response, error) {
	return reply(502, "Command not implemented."), nil
}
