package server

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"

	"github.com/gonzalop/ftpd/internal/transfers"
)

func (s *Session) handleSiteHELP(context.Context, string) (*Response, error) {
	subs := s.server.commands.subVerbs("SITE")
	return reply(214, "Available SITE commands: %s", strings.Join(subs, ", ")), nil
}

// handleSiteCHMOD handles "SITE CHMOD <mode> <file>".
func (s *Session) handleSiteCHMOD(ctx context.Context, arg string) (*Response, error) {
	c, ok := s.fs.(Chmodder)
	if !ok {
		return reply(502, "SITE CHMOD not supported by this file system."), nil
	}
	modeStr, name, ok := strings.Cut(strings.TrimSpace(arg), " ")
	if !ok || strings.TrimSpace(name) == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return reply(501, "Invalid mode."), nil
	}
	if mode > 0o777 {
		return reply(501, "Invalid mode: special bits not allowed."), nil
	}

	target := s.Resolve(strings.TrimSpace(name))
	if err := c.Chmod(ctx, target, fs.FileMode(mode)); err != nil {
		return nil, err
	}
	s.logger.Info("file_mode_changed", "user", s.userName(), "path", s.server.redactPath(target), "mode", fmt.Sprintf("%04o", mode))
	return reply(200, "SITE CHMOD command successful."), nil
}

// handleSiteBLST lists the background transfers of the server, either
// over a data connection (the default) or inline on the control
// connection.
func (s *Session) handleSiteBLST(ctx context.Context, arg string) (*Response, error) {
	mode := strings.ToLower(strings.TrimSpace(arg))
	if mode == "" {
		mode = "data"
	}

	switch mode {
	case "data":
		resp := s.withDataConn(ctx, reply(150, "Opening data connection."), func(conn net.Conn) (int64, error) {
			w := bufio.NewWriter(conn)
			for _, line := range blstLines(s.server.transfers.ListActive()) {
				if _, err := w.WriteString(s.encodeName(line) + "\r\n"); err != nil {
					return 0, err
				}
			}
			return 0, w.Flush()
		})
		if resp != nil {
			return resp, nil
		}
		return reply(250, "Closing data connection."), nil

	case "control", "direct":
		lines := blstLines(s.server.transfers.ListActive())
		if len(lines) == 0 {
			return reply(211, "No background tasks"), nil
		}
		out := []string{"Active background tasks:"}
		for _, line := range lines {
			out = append(out, " "+line)
		}
		return NewResponse(211, append(out, "END")...), nil
	}
	return reply(501, "Mode %s not supported.", mode), nil
}

// blstLines formats transfer records: status left-aligned in 12 columns,
// file name, and the byte count while transferring.
func blstLines(infos []transfers.Info) []string {
	lines := make([]string, 0, len(infos))
	for _, info := range infos {
		line := fmt.Sprintf("%-12s %s", info.Status, info.FileName)
		if info.Status == transfers.Transferring {
			line += fmt.Sprintf(" (%d transferred)", info.Transferred)
		}
		lines = append(lines, line)
	}
	return lines
}
