package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gonzalop/ftpd/internal/ratelimit"
	"golang.org/x/text/encoding/htmlindex"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// ConnectionSetupFunc is called once for every accepted control connection,
// before the greeting is sent. It returns the connection to use from then
// on, typically a wrapped one. Returning an error closes the connection.
type ConnectionSetupFunc func(ctx context.Context, conn net.Conn) (net.Conn, error)

// WithFileSystem sets the factory that provides storage to logged-in
// sessions. This option is required.
//
// Example:
//
//	driver, _ := server.NewFSDriver("/tmp/ftp")
//	s, _ := server.NewServer(":21", server.WithFileSystem(driver))
func WithFileSystem(factory FileSystemFactory) Option {
	return func(s *Server) error {
		if s.fsFactory != nil {
			return fmt.Errorf("file system already set")
		}
		s.fsFactory = factory
		return nil
	}
}

// WithMembershipProviders sets the providers used to validate logins,
// consulted in order. Defaults to AnonymousProvider alone.
//
// Example:
//
//	users := server.NewPasswordProvider()
//	_ = users.AddUser("tester", "testing")
//	s, _ := server.NewServer(":21",
//	    server.WithFileSystem(driver),
//	    server.WithMembershipProviders(users, server.AnonymousProvider{}),
//	)
func WithMembershipProviders(providers ...MembershipProvider) Option {
	return func(s *Server) error {
		if len(providers) == 0 {
			return fmt.Errorf("at least one membership provider is required")
		}
		s.providers = providers
		return nil
	}
}

// WithTLS enables explicit FTPS (AUTH TLS) and PROT P data channels.
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithFileSystem(driver),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithImplicitTLS makes every control connection start with a TLS
// handshake (legacy implicit FTPS, usually on port 990). Requires WithTLS.
func WithImplicitTLS() Option {
	return func(s *Server) error {
		s.implicitTLS = true
		return nil
	}
}

// WithConnectionSetup adds a hook run on every accepted control connection
// before any command is read. Hooks run in the order they were added.
func WithConnectionSetup(fn ConnectionSetupFunc) Option {
	return func(s *Server) error {
		s.setupHooks = append(s.setupHooks, fn)
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before being closed.
// By default there is no idle timeout and control reads wait indefinitely.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithWriteTimeout sets the deadline for writing a reply on the control connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = d
		return nil
	}
}

// WithMaxConnections limits simultaneous control connections in total and
// per client IP. Zero means no limit. Rejected clients get a 421 reply.
func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) error {
		if total < 0 || perIP < 0 {
			return fmt.Errorf("connection limits must not be negative")
		}
		s.maxConnections = total
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithPassivePortRange restricts passive data connections to ports in
// [min, max]. The ports are shared by all sessions; a PASV or EPSV that
// finds none free within the lease timeout fails with 425.
// Without this option the OS picks a port for each passive listener.
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		if min <= 0 || max < min || max > 65535 {
			return fmt.Errorf("invalid passive port range [%d, %d]", min, max)
		}
		s.pasvMinPort = min
		s.pasvMaxPort = max
		return nil
	}
}

// WithPublicHost sets the address advertised in PASV replies, for servers
// behind NAT. A host name is resolved to its first IPv4 address.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithLeaseTimeout sets how long PASV/EPSV wait for a free passive port.
// Defaults to 5 seconds.
func WithLeaseTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.leaseTimeout = d
		return nil
	}
}

// WithAcceptTimeout sets how long the server waits for the client to open
// a data connection, or for an active-mode dial. Defaults to 10 seconds.
func WithAcceptTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("accept timeout must be positive")
		}
		s.acceptTimeout = d
		return nil
	}
}

// WithListenerFactory sets the factory used to create passive data
// listeners. A control connection that itself implements ListenerFactory
// takes precedence for its own session.
func WithListenerFactory(factory ListenerFactory) Option {
	return func(s *Server) error {
		s.listenerFactory = factory
		return nil
	}
}

// WithBandwidthLimit limits data transfer rates in bytes per second.
// global is shared by all sessions; perUser applies to each session.
// Zero means unlimited.
func WithBandwidthLimit(global, perUser int64) Option {
	return func(s *Server) error {
		s.globalLimiter = ratelimit.New(global)
		s.bandwidthLimitPerUser = perUser
		return nil
	}
}

// WithDefaultEncoding sets the control connection encoding used until the
// client sends OPTS UTF8 ON, by its WHATWG name (for example
// "windows-1252" or "iso-8859-1"). The default is UTF-8.
func WithDefaultEncoding(name string) Option {
	return func(s *Server) error {
		enc, err := htmlindex.Get(name)
		if err != nil {
			return fmt.Errorf("unknown encoding %q: %w", name, err)
		}
		s.defaultEncoding = enc
		return nil
	}
}

// WithWelcomeMessage sets the 220 greeting text.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithServerName sets the system type returned by SYST. By default it is
// derived from runtime.GOOS ("UNIX Type: L8" on Unix systems).
func WithServerName(name string) Option {
	return func(s *Server) error {
		s.serverName = name
		return nil
	}
}

// WithDirMessage shows the content of a ".message" file on CWD.
func WithDirMessage(enable bool) Option {
	return func(s *Server) error {
		s.enableDirMessage = enable
		return nil
	}
}

// WithDisableCommands removes commands from the server. Extension
// commands are named with their sub-verb, e.g. "SITE CHMOD"; naming the
// base verb ("SITE") removes all of its sub-commands.
//
//	s, _ := server.NewServer(":21",
//	    server.WithFileSystem(driver),
//	    server.WithDisableCommands(server.ActiveModeCommands...),
//	)
func WithDisableCommands(commands ...string) Option {
	return func(s *Server) error {
		s.disabledCommands = append(s.disabledCommands, commands...)
		return nil
	}
}

// WithCommands registers additional command handlers, replacing built-in
// ones with the same name.
func WithCommands(specs ...CommandSpec) Option {
	return func(s *Server) error {
		s.extraCommands = append(s.extraCommands, specs...)
		return nil
	}
}

// WithMetricsCollector sets the collector notified about commands,
// transfers, connections and logins.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTransferLog writes a line in xferlog format for every completed
// transfer.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithMaxBackgroundTransfers limits how many background transfers run at
// the same time. Defaults to 4.
func WithMaxBackgroundTransfers(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("max background transfers must be positive")
		}
		s.maxBackgroundTransfers = n
		return nil
	}
}

// WithTransferRetention bounds how many finished background transfers are
// kept for SITE BLST. Defaults to 256.
func WithTransferRetention(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("transfer retention must be positive")
		}
		s.transferRetention = n
		return nil
	}
}

// WithTransfersFrom makes the server run its background transfers on the
// coordinator of other, so SITE BLST and BackgroundTransfers on either
// server list the uploads of both. other keeps owning the coordinator:
// shut this server down first, since other's Shutdown stops it.
func WithTransfersFrom(other *Server) Option {
	return func(s *Server) error {
		if other == nil || other.transfers == nil {
			return fmt.Errorf("transfers source must be a server created by NewServer")
		}
		s.sharedTransfers = other.transfers
		return nil
	}
}

// WithPathRedactor sets a function applied to paths before they are logged.
func WithPathRedactor(fn PathRedactor) Option {
	return func(s *Server) error {
		s.pathRedactor = fn
		return nil
	}
}

// WithRedactIPs masks the last part of client IP addresses in logs.
func WithRedactIPs(enable bool) Option {
	return func(s *Server) error {
		s.redactIPs = enable
		return nil
	}
}
