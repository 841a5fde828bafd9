package server

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
)

// handleMODE accepts only Stream mode (RFC 1123).
func (s *Session) handleMODE(_ context.Context, arg string) (*Response, error) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "S":
		return reply(200, "Mode set to Stream."), nil
	case "B":
		return reply(504, "Block mode not implemented."), nil
	case "C":
		return reply(504, "Compressed mode not implemented."), nil
	}
	return reply(504, "Command not implemented for that parameter."), nil
}

// handleSTRU accepts only File structure (RFC 1123).
func (s *Session) handleSTRU(_ context.Context, arg string) (*Response, error) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "F":
		return reply(200, "Structure set to File."), nil
	case "R":
		return reply(504, "Record structure not implemented."), nil
	case "P":
		return reply(504, "Page structure not implemented."), nil
	}
	return reply(504, "Command not implemented for that parameter."), nil
}

// handleSYST returns the configured system type, or one derived from
// runtime.GOOS.
func (s *Session) handleSYST(context.Context, string) (*Response, error) {
	syst := s.server.serverName
	if syst == "" {
		switch runtime.GOOS {
		case "windows":
			syst = "Windows_NT"
		case "plan9":
			syst = "Plan9"
		default:
			syst = "UNIX Type: L8"
		}
	}
	return reply(215, "%s", syst), nil
}

// handleSTAT reports the session status, or lists a path over the control
// connection.
func (s *Session) handleSTAT(ctx context.Context, arg string) (*Response, error) {
	if arg != "" {
		if !s.loggedIn {
			return reply(530, "Not logged in."), nil
		}
		list, err := s.entries(ctx, s.Resolve(listArgument(arg)))
		if err != nil {
			return nil, err
		}
		lines := []string{"Status of " + arg + ":"}
		for _, info := range list {
			lines = append(lines, " "+formatListLine(info))
		}
		return NewResponse(213, append(lines, "End of status")...), nil
	}

	lines := []string{"FTP server status:"}
	if s.loggedIn {
		lines = append(lines, " Logged in as "+s.userName())
	} else {
		lines = append(lines, " Not logged in")
	}
	typ := "BINARY"
	if s.transferType == 'A' {
		typ = "ASCII"
	}
	lines = append(lines,
		fmt.Sprintf(" TYPE: %s; STRUcture: File; transfer MODE: Stream", typ),
		" "+s.dataStatus(),
	)
	return NewResponse(211, append(lines, "End of status")...), nil
}

// handleHELP lists the registered commands.
func (s *Session) handleHELP(_ context.Context, arg string) (*Response, error) {
	names := s.server.commands.names()
	if arg != "" {
		verb := strings.ToUpper(strings.TrimSpace(arg))
		if slices.Contains(names, verb) {
			return reply(214, "Syntax: %s is supported.", verb), nil
		}
		return reply(502, "Unknown command %s.", verb), nil
	}

	lines := []string{"The following commands are recognized:"}
	var row []string
	for _, name := range names {
		if strings.Contains(name, " ") {
			continue
		}
		row = append(row, name)
		if len(row) == 8 {
			lines = append(lines, " "+strings.Join(row, " "))
			row = nil
		}
	}
	if len(row) > 0 {
		lines = append(lines, " "+strings.Join(row, " "))
	}
	return NewResponse(214, append(lines, "Help OK.")...), nil
}
