// Package server implements an embeddable FTP server.
//
// # Overview
//
// A Server reads commands on the control connection, authenticates users
// through MembershipProviders and serves files from a FileSystem created
// per login by a FileSystemFactory. It supports:
//   - Passive data connections over IPv4 and IPv6, with an optional port range
//   - Explicit (AUTH TLS) and implicit FTPS
//   - Uploads that finish in the background after the client is done
//   - Modern extensions: MLSD, MLST, SIZE, MDTM, MFMT, HASH, HOST, EPSV, EPRT
//
// # Getting Started
//
// FSDriver serves a local directory:
//
//	driver, err := server.NewFSDriver("/srv/ftp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := server.NewServer(":2121", server.WithFileSystem(driver))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// Without WithMembershipProviders only anonymous logins are accepted, and
// FSDriver gives anonymous users read-only access unless WithAnonWrite is set.
//
// # Authentication
//
// Providers are tried in order until one accepts the credentials:
//
//	users := server.NewPasswordProvider()
//	_ = users.AddUser("alice", "secret", "uploaders")
//	s, _ := server.NewServer(":2121",
//	    server.WithFileSystem(driver),
//	    server.WithMembershipProviders(users, server.AnonymousProvider{}),
//	)
//
// ProviderFunc adapts a plain function, for example one backed by a database.
//
// # Background Transfers
//
// A FileSystem returns a BackgroundTransfer from Create, Replace and Append.
// Once the client has sent all data the server replies 226 and runs the
// transfer on its coordinator, bounded by WithMaxBackgroundTransfers.
// StagedDriver spools uploads to a local directory and copies them to a
// lesiw.io/fs file system this way:
//
//	remote, _ := osfs.New("/mnt/archive")
//	staged, _ := server.NewStagedDriver(remote, server.WithStagingDir("/var/spool/ftp"))
//	s, _ := server.NewServer(":2121", server.WithFileSystem(staged))
//
// Clients follow them with SITE BLST, and Server.BackgroundTransfers reports
// the same list to the embedding program. Shutdown waits for running
// transfers until its context is done.
//
// # FTPS
//
// Explicit FTPS (RFC 4217):
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithFileSystem(driver),
//	    server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
//	)
//
// Add WithImplicitTLS to start every connection with a TLS handshake, as on
// port 990. Data connections are encrypted after PBSZ 0 and PROT P.
//
// # Passive Mode
//
// Behind NAT, announce the public address and open a fixed port range:
//
//	s, _ := server.NewServer(":21",
//	    server.WithFileSystem(driver),
//	    server.WithPublicHost("203.0.113.7"),
//	    server.WithPassivePortRange(30000, 30100),
//	)
//
// Ports are leased per data connection; a PASV that finds the range
// exhausted waits up to the lease timeout before replying 425.
//
// Transports without TCP ports, such as QUIC, provide data connections
// through a ListenerFactory, either server-wide with WithListenerFactory or
// by making the control connection itself implement ListenerFactory.
//
// # Commands
//
// Every command is an entry in a registry. WithDisableCommands removes
// entries, for example ActiveModeCommands or WriteCommands, and WithCommands
// adds or replaces them:
//
//	server.WithCommands(server.CommandSpec{
//	    Verb: "SITE", Sub: "WHO", LoginRequired: true,
//	    Handler: func(s *server.Session, ctx context.Context, arg string) (*server.Response, error) {
//	        return server.NewResponse(200, fmt.Sprintf("%d sessions", count())), nil
//	    },
//	})
//
// # Observability
//
// The server logs through log/slog with snake_case event names. Use
// WithPathRedactor and WithRedactIPs to keep file names and client addresses
// out of the logs, WithMetricsCollector to export counters and WithTransferLog
// to write xferlog records.
//
// # RFC Compliance
//
//   - RFC 959 (Base FTP)
//   - RFC 1123 (Requirements for Internet Hosts - minimum implementation)
//   - RFC 2389 (Feature Negotiation)
//   - RFC 2428 (IPv6 / NAT)
//   - RFC 2640 (UTF-8)
//   - RFC 3659 (Extensions: SIZE, MDTM, MLSD, MLST, REST)
//   - RFC 4217 (Securing FTP with TLS)
//   - RFC 7151 (HOST Command)
//   - draft-somers-ftp-mfxx (MFMT Command)
//   - draft-bryan-ftp-hash (HASH Command)
package server
