package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"strings"
	"time"
)

func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}

func (s *Session) handlePWD(context.Context, string) (*Response, error) {
	return reply(257, "%s is the current directory.", quotePath(s.cwd)), nil
}

func (s *Session) handleCWD(ctx context.Context, arg string) (*Response, error) {
	dir := s.Resolve(arg)
	info, err := s.fs.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return reply(550, "Not a directory."), nil
	}
	s.cwd = dir

	if s.server.enableDirMessage {
		if msg := s.dirMessage(ctx, dir); len(msg) > 0 {
			lines := append([]string{"Message:"}, msg...)
			lines = append(lines, "Directory successfully changed.")
			return NewResponse(250, lines...), nil
		}
	}
	return reply(250, "Directory successfully changed."), nil
}

// dirMessage returns the lines of the directory's .message file, if any.
func (s *Session) dirMessage(ctx context.Context, dir string) []string {
	r, err := s.fs.Open(ctx, path.Join(dir, ".message"), 0)
	if err != nil {
		return nil
	}
	defer r.Close()

	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	msg := strings.TrimRight(string(b), "\r\n")
	if msg == "" {
		return nil
	}
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		// A leading space would turn the line into a bare continuation.
		lines[i] = strings.TrimLeft(strings.TrimRight(line, "\r"), " ")
	}
	return lines
}

func (s *Session) handleCDUP(ctx context.Context, _ string) (*Response, error) {
	return s.handleCWD(ctx, "..")
}

func (s *Session) handleMKD(ctx context.Context, arg string) (*Response, error) {
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	dir := s.Resolve(arg)
	if err := s.fs.MakeDir(ctx, dir); err != nil {
		return nil, err
	}
	s.logger.Info("directory_created", "user", s.userName(), "host", s.host, "path", s.server.redactPath(dir))
	return reply(257, "%s created.", quotePath(dir)), nil
}

func (s *Session) handleRMD(ctx context.Context, arg string) (*Response, error) {
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	dir := s.Resolve(arg)
	if dir == "/" {
		return reply(550, "Permission denied."), nil
	}
	if err := s.fs.RemoveDir(ctx, dir); err != nil {
		return nil, err
	}
	s.logger.Info("directory_removed", "user", s.userName(), "host", s.host, "path", s.server.redactPath(dir))
	return reply(250, "Directory removed."), nil
}

func (s *Session) handleDELE(ctx context.Context, arg string) (*Response, error) {
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	name := s.Resolve(arg)
	if err := s.fs.Remove(ctx, name); err != nil {
		return nil, err
	}
	s.logger.Info("file_deleted", "user", s.userName(), "host", s.host, "path", s.server.redactPath(name))
	return reply(250, "File deleted."), nil
}

func (s *Session) handleRNFR(ctx context.Context, arg string) (*Response, error) {
	s.renameFrom = ""
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	name := s.Resolve(arg)
	if _, err := s.fs.Stat(ctx, name); err != nil {
		return nil, err
	}
	s.renameFrom = name
	return reply(350, "Requested file action pending further information."), nil
}

func (s *Session) handleRNTO(ctx context.Context, arg string) (*Response, error) {
	from := s.renameFrom
	s.renameFrom = ""
	if from == "" {
		return reply(503, "Bad sequence of commands. Send RNFR first."), nil
	}
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	to := s.Resolve(arg)
	if err := s.fs.Rename(ctx, from, to); err != nil {
		return nil, err
	}
	s.logger.Info("file_renamed",
		"user", s.userName(),
		"from", s.server.redactPath(from),
		"to", s.server.redactPath(to),
	)
	return reply(250, "Requested file action successful, file renamed."), nil
}

// listArgument drops ls-style flags such as "-la" that many clients send
// with LIST and NLST.
func listArgument(arg string) string {
	for {
		arg = strings.TrimSpace(arg)
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
		i := strings.IndexByte(arg, ' ')
		if i < 0 {
			return ""
		}
		arg = arg[i:]
	}
}

// entries returns the directory listing for name, or the entry itself
// when name is a file.
func (s *Session) entries(ctx context.Context, name string) ([]fs.FileInfo, error) {
	info, err := s.fs.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []fs.FileInfo{info}, nil
	}
	return s.fs.ReadDir(ctx, name)
}

func (s *Session) handleLIST(ctx context.Context, arg string) (*Response, error) {
	return s.sendListing(ctx, arg, "Here comes the directory listing.", formatListLine)
}

func (s *Session) handleNLST(ctx context.Context, arg string) (*Response, error) {
	return s.sendListing(ctx, arg, "Here comes the file list.", func(info fs.FileInfo) string {
		return info.Name()
	})
}

func (s *Session) handleMLSD(ctx context.Context, arg string) (*Response, error) {
	name := s.Resolve(arg)
	info, err := s.fs.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return reply(501, "Not a directory."), nil
	}
	return s.sendListing(ctx, arg, "MLSD listing started.", formatMLEntry)
}

func (s *Session) sendListing(ctx context.Context, arg, opening string, format func(fs.FileInfo) string) (*Response, error) {
	name := s.Resolve(listArgument(arg))
	list, err := s.entries(ctx, name)
	if err != nil {
		return nil, err
	}

	resp := s.withDataConn(ctx, reply(150, "%s", opening), func(conn net.Conn) (int64, error) {
		w := bufio.NewWriter(s.rateLimitWriter(ctx, conn))
		for _, info := range list {
			if _, err := w.WriteString(s.encodeName(format(info)) + "\r\n"); err != nil {
				return 0, err
			}
		}
		return 0, w.Flush()
	})
	if resp != nil {
		return resp, nil
	}
	return reply(226, "Transfer complete."), nil
}

// withDataConn sends the preliminary reply, opens the data connection and
// runs fn on it. It returns nil on success and the final reply otherwise.
func (s *Session) withDataConn(ctx context.Context, opening *Response, fn func(conn net.Conn) (int64, error)) *Response {
	if err := s.Reply(opening); err != nil {
		s.releaseData()
		return reply(426, "Connection closed; transfer aborted.")
	}
	conn, err := s.OpenDataConn(ctx)
	if err != nil {
		s.logger.Warn("data_connection_failed", "error", err)
		if ctx.Err() != nil {
			return reply(426, "Connection closed; transfer aborted.")
		}
		return reply(425, "Can't open data connection.")
	}
	_, err = fn(conn)
	if cerr := conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("data_transfer_failed", "error", err)
		}
		return reply(426, "Connection closed; transfer aborted.")
	}
	return nil
}

// encodeName converts text sent over a data connection to the session
// encoding.
func (s *Session) encodeName(text string) string {
	s.mu.Lock()
	enc := s.encoding
	s.mu.Unlock()
	out, err := enc.NewEncoder().String(text)
	if err != nil {
		return text
	}
	return out
}

// formatListLine renders an entry the way "ls -l" does.
func formatListLine(info fs.FileInfo) string {
	mod := info.ModTime()
	stamp := mod.Format("Jan _2 15:04")
	if time.Since(mod) > 180*24*time.Hour || mod.After(time.Now().Add(time.Hour)) {
		stamp = mod.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s 1 ftp ftp %12d %s %s", info.Mode().String(), info.Size(), stamp, info.Name())
}
