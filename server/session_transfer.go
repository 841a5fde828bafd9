package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftpd/internal/transfers"
)

// takeRestart returns the pending REST offset and clears it.
func (s *Session) takeRestart() int64 {
	offset := s.restartOffset
	s.restartOffset = -1
	return offset
}

func (s *Session) handleRETR(ctx context.Context, arg string) (*Response, error) {
	offset := max(s.takeRestart(), 0)
	if arg == "" {
		return reply(501, "No file name specified."), nil
	}
	name := s.Resolve(arg)
	info, err := s.fs.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return reply(550, "Not a regular file."), nil
	}

	r, err := s.fs.Open(ctx, name, offset)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	opening := reply(150, "Opening data connection for %s (%d bytes).", path.Base(name), info.Size())
	if offset > 0 {
		opening = reply(150, "Opening data connection for %s (restarting at %d).", path.Base(name), offset)
	}

	start := time.Now()
	var n int64
	resp := s.withDataConn(ctx, opening, func(conn net.Conn) (int64, error) {
		var src io.Reader = r
		if s.transferType == 'A' {
			src = newASCIIReader(src)
		}
		var err error
		n, err = io.Copy(s.rateLimitWriter(ctx, conn), src)
		return n, err
	})
	s.transferDone("RETR", name, n, time.Since(start), resp == nil)
	if resp != nil {
		return resp, nil
	}
	return reply(226, "Transfer complete."), nil
}

func (s *Session) handleSTOR(ctx context.Context, arg string) (*Response, error) {
	return s.upload(ctx, "STOR", arg)
}

func (s *Session) handleAPPE(ctx context.Context, arg string) (*Response, error) {
	return s.upload(ctx, "APPE", arg)
}

func (s *Session) handleSTOU(ctx context.Context, _ string) (*Response, error) {
	return s.upload(ctx, "STOU", uuid.NewString())
}

// countingReader counts the bytes read from the data connection and keeps
// the first transport error.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}

// upload receives a file for STOR, APPE and STOU. A background transfer
// returned by the file system is handed to the coordinator; the command
// succeeds once the data connection is drained.
func (s *Session) upload(ctx context.Context, cmd, arg string) (*Response, error) {
	restart := s.takeRestart()
	if arg == "" {
		return reply(501, "No file name specified."), nil
	}

	name := s.Resolve(arg)
	dir, base := path.Split(name)
	if dirInfo, err := s.fs.Stat(ctx, path.Clean(dir)); err != nil || !dirInfo.IsDir() {
		return reply(550, "Not a valid directory."), nil
	}
	if base == "" {
		return reply(553, "File name not allowed."), nil
	}
	existing, err := s.fs.Stat(ctx, name)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if exists && existing.IsDir() {
		return reply(553, "File name not allowed."), nil
	}
	if restart > 0 && !exists {
		return reply(550, "Restart target does not exist."), nil
	}

	opening := reply(150, "Opening connection for data transfer.")
	if cmd == "STOU" {
		opening = reply(150, "FILE: %s", base)
	}

	var (
		bt       BackgroundTransfer
		dirn     transfers.Direction
		storeErr error
		n        int64
	)
	start := time.Now()
	resp := s.withDataConn(ctx, opening, func(conn net.Conn) (int64, error) {
		src := &countingReader{r: s.rateLimitReader(ctx, conn)}
		var r io.Reader = src
		if s.transferType == 'A' {
			r = newASCIIUploadReader(r)
		}
		bt, dirn, storeErr = s.store(ctx, cmd, name, exists, restart, r)
		n = src.n
		return n, src.err
	})
	if resp == nil && storeErr != nil {
		resp = s.errorResponse(cmd, storeErr)
	}
	if resp != nil {
		s.transferDone(cmd, name, n, time.Since(start), false)
		return resp, nil
	}

	if bt != nil {
		id, err := s.server.transfers.Enqueue(bt, dirn, s.id)
		if err != nil {
			if d, ok := bt.(Discarder); ok {
				if derr := d.Discard(); derr != nil {
					s.logger.Warn("transfer_discard_failed", "path", s.server.redactPath(name), "error", derr)
				}
			}
			s.transferDone(cmd, name, n, time.Since(start), false)
			return nil, err
		}
		s.logger.Info("upload_handed_off",
			"user", s.userName(),
			"cmd", cmd,
			"transfer_id", id,
			"path", s.server.redactPath(name),
		)
	}
	s.transferDone(cmd, name, n, time.Since(start), true)
	return reply(226, "Uploaded file successfully."), nil
}

// store picks the file system operation for an upload. STOR with a
// restart offset appends at that offset; APPE appends at the offset or at
// the end, and replaces the file after REST 0.
func (s *Session) store(ctx context.Context, cmd, name string, exists bool, restart int64, r io.Reader) (BackgroundTransfer, transfers.Direction, error) {
	switch {
	case !exists:
		bt, err := s.fs.Create(ctx, name, r)
		return bt, transfers.Store, err
	case cmd == "APPE" && restart != 0, cmd == "STOR" && restart > 0:
		bt, err := s.fs.Append(ctx, name, restart, r)
		return bt, transfers.Append, err
	default:
		bt, err := s.fs.Replace(ctx, name, r)
		return bt, transfers.Replace, err
	}
}

// transferDone logs a finished or failed data transfer.
func (s *Session) transferDone(cmd, name string, n int64, d time.Duration, complete bool) {
	s.logTransfer(cmd, name, n, d, complete)
	if !complete {
		s.logger.Info("transfer_aborted", "user", s.userName(), "cmd", cmd, "path", s.server.redactPath(name), "bytes", n)
		return
	}
	var mbps float64
	if d > 0 {
		mbps = float64(n) / d.Seconds() / 1024 / 1024
	}
	s.logger.Info("transfer_complete",
		"user", s.userName(),
		"cmd", cmd,
		"path", s.server.redactPath(name),
		"bytes", n,
		"duration_ms", d.Milliseconds(),
		"throughput_mbps", mbps,
	)
}

func (s *Session) handleREST(_ context.Context, arg string) (*Response, error) {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		return reply(501, "Invalid offset."), nil
	}
	s.restartOffset = offset
	return reply(350, "Restarting at %d. Send STOR or RETR to initiate transfer.", offset), nil
}

func (s *Session) handleALLO(context.Context, string) (*Response, error) {
	return reply(202, "No storage allocation necessary."), nil
}

// handleABOR runs only when no abortable command is in flight; an ABOR
// that interrupts a transfer is handled by the connection loop.
func (s *Session) handleABOR(context.Context, string) (*Response, error) {
	s.releaseData()
	return reply(226, "ABOR command successful; no transfer in progress."), nil
}

func (s *Session) handleTYPE(_ context.Context, arg string) (*Response, error) {
	fields := strings.Fields(strings.ToUpper(arg))
	if len(fields) == 0 {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	switch fields[0] {
	case "A":
		if len(fields) > 1 && fields[1] != "N" {
			return reply(504, "Only non-print format is supported."), nil
		}
		s.transferType = 'A'
		return reply(200, "Type set to A."), nil
	case "I":
		s.transferType = 'I'
		return reply(200, "Type set to I."), nil
	case "L":
		if len(fields) > 1 && fields[1] != "8" {
			return reply(504, "Only byte size 8 is supported."), nil
		}
		s.transferType = 'I'
		return reply(200, "Type set to L 8."), nil
	}
	return reply(504, "Command not implemented for that parameter."), nil
}
