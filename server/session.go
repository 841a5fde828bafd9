package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"path"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/encoding"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// Session is the state of one control connection. Handlers receive the
// session they run on; it is never shared between connections.
//
// Commands on a session run one at a time. Abortable handlers run on their
// own goroutine while the connection loop keeps reading, so that an ABOR
// line can cancel the handler's context.
type Session struct {
	server   *Server
	id       string
	logger   *slog.Logger
	remoteIP string

	ctx    context.Context
	cancel context.CancelFunc

	// mu protects the control connection and its reader and writer, which
	// AUTH TLS replaces, and the encoding used to write replies.
	mu       sync.Mutex
	conn     net.Conn
	tnet     *telnetReader
	writer   *bufio.Writer
	encoding encoding.Encoding

	// Reader synchronization
	cmdReqChan chan struct{}
	inflight   atomic.Pointer[CommandSpec]
	quit       bool

	// Login
	pendingUser string
	loggedIn    bool
	account     *AccountInfo
	fs          FileSystem
	host        string

	// Command state
	cwd           string
	renameFrom    string
	restartOffset int64 // -1 when no REST is pending
	transferType  byte  // 'A' or 'I'
	selectedHash  string
	pbsz          bool
	prot          byte // 'C' or 'P'
	limiter       *ratelimit.Limiter

	// Data connection state
	dataMode string
	data     *dataChannel

	// Cache for PASV public host resolution
	lastPublicHost string
	resolvedIP     net.IP
}

func newSession(server *Server, conn net.Conn) *Session {
	id := uuid.NewString()[:8]
	remoteIP := remoteIPOf(conn)

	ctx, cancel := context.WithCancel(server.baseCtx)
	s := &Session{
		server:        server,
		id:            id,
		remoteIP:      remoteIP,
		logger:        server.logger.With("session_id", id, "remote_ip", server.redactIP(remoteIP)),
		ctx:           ctx,
		cancel:        cancel,
		conn:          conn,
		tnet:          newTelnetReader(conn),
		writer:        bufio.NewWriter(conn),
		encoding:      server.defaultEncoding,
		cmdReqChan:    make(chan struct{}),
		cwd:           "/",
		restartOffset: -1,
		transferType:  'I',
		selectedHash:  "SHA-256",
		prot:          'C',
		limiter:       ratelimit.New(server.bandwidthLimitPerUser),
	}

	// Implicit TLS: the connection is already a *tls.Conn
	if _, ok := conn.(*tls.Conn); ok {
		s.prot = 'P'
	}
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Server returns the server the session belongs to.
func (s *Session) Server() *Server { return s.server }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// RemoteAddr returns the client address of the control connection.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.RemoteAddr()
}

func (s *Session) localAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.LocalAddr()
}

// LoggedIn reports whether PASS succeeded.
func (s *Session) LoggedIn() bool { return s.loggedIn }

// Account returns the logged-in account, or nil.
func (s *Session) Account() *AccountInfo { return s.account }

// FileSystem returns the file system of the logged-in account, or nil.
func (s *Session) FileSystem() FileSystem { return s.fs }

// WorkingDir returns the current directory.
func (s *Session) WorkingDir() string { return s.cwd }

// Resolve turns a command argument into an absolute, cleaned path relative
// to the working directory. ".." never leaves "/".
func (s *Session) Resolve(name string) string {
	if !path.IsAbs(name) {
		name = path.Join(s.cwd, name)
	}
	return path.Clean("/" + name)
}

func (s *Session) userName() string {
	if s.account != nil && s.account.User != nil {
		return s.account.User.Name()
	}
	return s.pendingUser
}

type lineResult struct {
	line []byte
	err  error
}

// serve runs the connection loop.
//
// A reader goroutine reads control lines and hands them to the loop one
// at a time. After sending a line it waits on cmdReqChan, so handlers that
// replace the connection (AUTH TLS) run while nothing reads from it. While
// an abortable handler runs the loop keeps the reader going, cancels the
// handler on ABOR and queues every other line.
func (s *Session) serve() {
	defer s.close()

	s.logger.Info("session_started")
	s.greet()

	in := &lineStream{s: s, lines: s.startReader(), armed: true}
	for !s.quit {
		r, ok := in.read()
		if !ok {
			return
		}
		if r.err != nil {
			if errors.Is(r.err, errCommandLong) {
				s.Reply(reply(500, "Command line too long."))
				continue
			}
			s.readFailed(r.err)
			return
		}
		s.execute(r.line, in)
	}
}

// lineStream is the connection loop's view of the reader goroutine. Lines
// read while an abortable handler ran wait in backlog and come first.
type lineStream struct {
	s       *Session
	lines   <-chan lineResult
	backlog []lineResult
	armed   bool // the reader may read the next line without a signal
}

// arm lets the reader read the next line if it is waiting for a signal.
func (l *lineStream) arm() {
	if !l.armed {
		l.s.next()
		l.armed = true
	}
}

// read returns the next line. It reports false once the reader is gone
// and the backlog is empty.
func (l *lineStream) read() (lineResult, bool) {
	if len(l.backlog) > 0 {
		r := l.backlog[0]
		l.backlog = l.backlog[1:]
		return r, true
	}
	if l.lines == nil {
		return lineResult{}, false
	}
	l.arm()
	r, ok := <-l.lines
	l.armed = false
	return r, ok
}

// queue stores a line that arrived while a handler ran and reports
// whether the reader may go on reading.
func (l *lineStream) queue(r lineResult) bool {
	l.backlog = append(l.backlog, r)
	return !l.stopsReader(r)
}

// stopsReader reports whether nothing may be read after r until r has
// been handled: read errors end the connection and AUTH replaces it.
func (l *lineStream) stopsReader(r lineResult) bool {
	if r.err != nil {
		return !errors.Is(r.err, errCommandLong)
	}
	cmd, err := ParseCommand(l.s.decode(r.line))
	return err == nil && cmd.Verb == "AUTH"
}

// parked reports whether the backlog holds a line the reader stopped at.
func (l *lineStream) parked() bool {
	return slices.ContainsFunc(l.backlog, l.stopsReader)
}

func (s *Session) greet() {
	msg := s.server.welcomeMessage
	switch {
	case strings.HasPrefix(msg, "220 "):
		msg = msg[4:]
	case strings.HasPrefix(msg, "220-"):
		s.Reply(NewResponse(220, strings.Split(msg[4:], "\n")...))
		return
	}
	s.Reply(reply(220, "%s", msg))
}

func (s *Session) readFailed(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &ne) && ne.Timeout():
		s.logger.Info("session_idle_timeout", "user", s.userName())
		s.Reply(reply(421, "Idle timeout, closing control connection."))
	default:
		s.logger.Warn("read_error", "user", s.userName(), "error", err)
	}
}

// next lets the reader goroutine read the following line.
func (s *Session) next() {
	select {
	case s.cmdReqChan <- struct{}{}:
	case <-s.ctx.Done():
	}
}

func (s *Session) startReader() <-chan lineResult {
	lines := make(chan lineResult)
	go func() {
		defer close(lines)
		for {
			s.mu.Lock()
			conn, r := s.conn, s.tnet
			s.mu.Unlock()

			if s.server.maxIdleTime > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}
			line, err := r.ReadLine(MaxCommandLength)

			// Long transfers are not idle time.
			var ne net.Error
			if err != nil && errors.As(err, &ne) && ne.Timeout() && s.inflight.Load() != nil {
				continue
			}

			select {
			case lines <- lineResult{line, err}:
			case <-s.ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, errCommandLong) {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return lines
}

func (s *Session) decode(raw []byte) string {
	s.mu.Lock()
	enc := s.encoding
	s.mu.Unlock()
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// execute runs one command line. Abortable handlers run on their own
// goroutine while lines keep being read from in.
func (s *Session) execute(raw []byte, in *lineStream) {
	cmd, err := ParseCommand(s.decode(raw))
	if err != nil {
		s.Reply(reply(500, "Syntax error, command unrecognized."))
		return
	}

	logArg := cmd.Argument
	switch {
	case cmd.Verb == "PASS":
		logArg = "***"
	case logArg != "" && s.server.pathRedactor != nil:
		// Arguments are mostly path names.
		logArg = s.server.redactPath(logArg)
	}
	s.logger.Debug("command_received", "user", s.userName(), "cmd", cmd.Verb, "arg", logArg)

	spec, arg, found := s.server.commands.lookup(cmd)
	switch found {
	case lookupUnknown:
		s.Reply(reply(502, "Command not implemented."))
		return
	case lookupMissingSub:
		s.Reply(reply(501, "Syntax error in parameters or arguments."))
		return
	}
	if spec.LoginRequired && !s.loggedIn {
		s.Reply(reply(530, "Not logged in."))
		return
	}
	// RNTO must immediately follow RNFR.
	if spec.Verb != "RNTO" {
		s.renameFrom = ""
	}

	if !spec.Abortable {
		s.Reply(s.dispatch(s.ctx, spec, arg))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	done := make(chan *Response, 1)
	s.inflight.Store(spec)
	defer s.inflight.Store(nil)
	go func() {
		done <- s.dispatch(ctx, spec, arg)
	}()

	reading := in.lines != nil && !in.parked()
	if reading {
		in.arm()
	}
	for {
		var lines <-chan lineResult
		if reading {
			lines = in.lines
		}
		select {
		case resp := <-done:
			s.Reply(resp)
			return
		case r, ok := <-lines:
			in.armed = false
			if !ok {
				in.lines = nil
				reading = false
				in.backlog = append(in.backlog, lineResult{err: io.EOF})
				continue
			}
			if r.err == nil && s.isAbort(r.line) {
				s.logger.Info("transfer_abort_requested", "cmd", spec.name())
				cancel()
				s.Reply(<-done)
				s.Reply(reply(226, "ABOR command successful; transfer aborted."))
				return
			}
			if reading = in.queue(r); reading {
				in.arm()
			}
		}
	}
}

func (s *Session) isAbort(raw []byte) bool {
	cmd, err := ParseCommand(s.decode(raw))
	return err == nil && cmd.Verb == "ABOR"
}

// dispatch invokes the handler. Panics and errors become replies here.
func (s *Session) dispatch(ctx context.Context, spec *CommandSpec, arg string) (resp *Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler_panic",
				"user", s.userName(),
				"cmd", spec.name(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			resp = reply(451, "Requested action aborted: local error in processing.")
		}
		if mc := s.server.metricsCollector; mc != nil {
			mc.RecordCommand(spec.name(), resp == nil || resp.Positive(), time.Since(start))
		}
	}()

	resp, err := spec.Handler(s, ctx, arg)
	if err != nil {
		return s.errorResponse(spec.name(), err)
	}
	return resp
}

// errorResponse maps a handler error to a reply.
func (s *Session) errorResponse(cmd string, err error) *Response {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return reply(550, "File not found.")
	case errors.Is(err, fs.ErrPermission):
		return reply(550, "Permission denied.")
	case errors.Is(err, fs.ErrExist):
		return reply(550, "File already exists.")
	}
	// Other path errors, such as a name escaping the root, are refusals
	// of that file rather than server faults.
	if pe := new(fs.PathError); errors.As(err, &pe) {
		s.logger.Debug("path_rejected", "user", s.userName(), "cmd", cmd, "error", err)
		return reply(550, "Requested action not taken.")
	}
	s.logger.Warn("command_failed", "user", s.userName(), "cmd", cmd, "error", err)
	return reply(451, "Requested action aborted: local error in processing.")
}

// Reply writes r to the control connection using the session encoding.
// A nil response is ignored.
func (s *Session) Reply(r *Response) error {
	if r == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}

	out, err := encoding.ReplaceUnsupported(s.encoding.NewEncoder()).String(r.String())
	if err != nil {
		return err
	}
	if _, err := s.writer.WriteString(out); err != nil {
		return err
	}
	return s.writer.Flush()
}

// close tears the session down. Background transfers started by the
// session keep running.
func (s *Session) close() {
	s.cancel()
	s.releaseData()

	var result *multierror.Error
	if s.fs != nil {
		if err := s.fs.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close file system: %w", err))
		}
	}
	s.mu.Lock()
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close control connection: %w", err))
	}
	s.mu.Unlock()

	s.server.transfers.ConnectionClosed(s.id)

	if err := result.ErrorOrNil(); err != nil {
		s.logger.Debug("session_close_error", "error", err)
	}
	s.logger.Info("session_closed", "user", s.userName())
}

// rateLimitReader applies the per-user and global bandwidth limits.
func (s *Session) rateLimitReader(ctx context.Context, r io.Reader) io.Reader {
	r = ratelimit.NewReader(ctx, r, s.limiter)
	return ratelimit.NewReader(ctx, r, s.server.globalLimiter)
}

// rateLimitWriter applies the per-user and global bandwidth limits.
func (s *Session) rateLimitWriter(ctx context.Context, w io.Writer) io.Writer {
	w = ratelimit.NewWriter(ctx, w, s.limiter)
	return ratelimit.NewWriter(ctx, w, s.server.globalLimiter)
}

// logTransfer writes a transfer in xferlog format:
// current-time transfer-time remote-host file-size filename transfer-type
// special-action-flag direction access-mode username service-name
// authentication-method authenticated-user-id completion-status
func (s *Session) logTransfer(cmd, filename string, bytes int64, duration time.Duration, complete bool) {
	if s.server.metricsCollector != nil && complete {
		s.server.metricsCollector.RecordTransfer(cmd, bytes, duration)
	}
	if s.server.transferLog == nil {
		return
	}

	transferTime := max(int64(duration.Seconds()), 1)

	tType := "b"
	if s.transferType == 'A' {
		tType = "a"
	}
	direction := "o"
	switch cmd {
	case "STOR", "APPE", "STOU":
		direction = "i"
	}
	accessMode := "r"
	if s.account != nil && s.account.Anonymous {
		accessMode = "a"
	}
	status := "c"
	if !complete {
		status = "i"
	}

	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * %s\n",
		time.Now().Format("Mon Jan _2 15:04:05 2006"),
		transferTime,
		s.server.redactIP(s.remoteIP),
		bytes,
		s.server.redactPath(filename),
		tType,
		direction,
		accessMode,
		s.userName(),
		status,
	)

	s.server.transferLogMu.Lock()
	_, _ = io.WriteString(s.server.transferLog, line)
	s.server.transferLogMu.Unlock()
}
