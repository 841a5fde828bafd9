package server

import (
	"context"
	"net"
	"strings"
)

func (s *Session) handleUSER(_ context.Context, user string) (*Response, error) {
	if user == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	if s.loggedIn {
		s.logout()
	}
	s.pendingUser = user
	return reply(331, "User name okay, need password."), nil
}

func (s *Session) handlePASS(ctx context.Context, pass string) (*Response, error) {
	if s.loggedIn {
		return reply(503, "Already logged in."), nil
	}
	if s.pendingUser == "" {
		return reply(503, "Login with USER first."), nil
	}
	user := s.pendingUser

	result := MemberValidationResult{Status: InvalidLogin}
	for _, p := range s.server.providers {
		res, err := p.ValidateUser(ctx, user, pass)
		if err != nil {
			s.logger.Warn("membership_provider_error", "user", user, "error", err)
			continue
		}
		if res.Status != InvalidLogin {
			result = res
			break
		}
	}

	if result.Status == InvalidLogin {
		s.logger.Warn("authentication_failed", "user", user)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, user)
		}
		return reply(530, "Login incorrect."), nil
	}

	if result.User == nil {
		result.User = NewUser(user)
	}
	account := &AccountInfo{
		User:      result.User,
		Anonymous: result.Status == Anonymous,
		Host:      s.host,
		RemoteIP:  net.ParseIP(s.remoteIP),
	}
	fsys, err := s.server.fsFactory.Create(ctx, account)
	if err != nil {
		s.logger.Error("file_system_unavailable", "user", result.User.Name(), "error", err)
		return reply(530, "Login failed: storage unavailable."), nil
	}

	s.account = account
	s.fs = fsys
	s.loggedIn = true
	s.cwd = "/"

	s.logger.Info("authentication_success",
		"user", result.User.Name(),
		"anonymous", account.Anonymous,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, user)
	}
	return reply(230, "User logged in, proceed."), nil
}

// handleACCT is required by RFC 1123 but has no use here.
func (s *Session) handleACCT(context.Context, string) (*Response, error) {
	return reply(202, "Command not implemented, superfluous at this site."), nil
}

// handleREIN returns the session to the state of a new connection. A TLS
// control connection stays secured.
func (s *Session) handleREIN(context.Context, string) (*Response, error) {
	s.logout()
	s.pendingUser = ""
	s.host = ""
	s.dataMode = ""
	s.transferType = 'I'
	s.selectedHash = "SHA-256"

	s.mu.Lock()
	s.encoding = s.server.defaultEncoding
	s.mu.Unlock()

	return reply(220, "Service ready for new user."), nil
}

// logout drops the login and everything that depends on it.
func (s *Session) logout() {
	if s.fs != nil {
		if err := s.fs.Close(); err != nil {
			s.logger.Debug("file_system_close_failed", "error", err)
		}
	}
	s.releaseData()
	s.fs = nil
	s.account = nil
	s.loggedIn = false
	s.cwd = "/"
	s.renameFrom = ""
	s.restartOffset = -1
}

func (s *Session) handleQUIT(context.Context, string) (*Response, error) {
	s.quit = true
	return reply(221, "Service closing control connection."), nil
}

// handleHOST selects a virtual host (RFC 7151).
func (s *Session) handleHOST(_ context.Context, arg string) (*Response, error) {
	if s.loggedIn {
		return reply(503, "Cannot change host after login."), nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(arg), "["), "]")
	if host == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	s.host = host
	return reply(220, "Host accepted."), nil
}

func (s *Session) handleNOOP(context.Context, string) (*Response, error) {
	return reply(200, "OK."), nil
}
