package server

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// hashAlgorithms are the algorithms accepted by OPTS HASH.
var hashAlgorithms = []string{"SHA-1", "SHA-256", "SHA-512", "MD5", "CRC32"}

func (s *Session) handleSIZE(ctx context.Context, arg string) (*Response, error) {
	info, err := s.fs.Stat(ctx, s.Resolve(arg))
	if err != nil || info.IsDir() {
		return reply(550, "Could not get file size."), nil
	}
	return reply(213, "%d", info.Size()), nil
}

func (s *Session) handleMDTM(ctx context.Context, arg string) (*Response, error) {
	info, err := s.fs.Stat(ctx, s.Resolve(arg))
	if err != nil {
		return reply(550, "Could not get file modification time."), nil
	}
	// RFC 3659: time values are always in UTC.
	return reply(213, "%s", info.ModTime().UTC().Format("20060102150405")), nil
}

func (s *Session) handleMFMT(ctx context.Context, arg string) (*Response, error) {
	stamp, name, ok := strings.Cut(arg, " ")
	if !ok || name == "" {
		return reply(501, "Syntax error in parameters or arguments."), nil
	}
	t, err := time.Parse("20060102150405", stamp)
	if err != nil {
		return reply(501, "Invalid time format."), nil
	}
	target := s.Resolve(name)
	if err := s.fs.SetModTime(ctx, target, t); err != nil {
		return nil, err
	}
	return reply(213, "Modify=%s; %s", stamp, target), nil
}

func (s *Session) handleHASH(ctx context.Context, arg string) (*Response, error) {
	h, ok := s.fs.(Hasher)
	if !ok {
		return reply(502, "Command not implemented."), nil
	}
	name := s.Resolve(arg)
	sum, err := h.Hash(ctx, name, s.selectedHash)
	if err != nil {
		return nil, err
	}
	return reply(213, "%s %s %s", s.selectedHash, sum, name), nil
}

func (s *Session) handleFEAT(context.Context, string) (*Response, error) {
	r := s.server.commands
	lines := []string{"Features:"}
	add := func(cmd, feature string) {
		if r.has(cmd) {
			lines = append(lines, " "+feature)
		}
	}

	add("SIZE", "SIZE")
	add("MDTM", "MDTM")
	add("MFMT", "MFMT")
	add("EPSV", "EPSV")
	add("EPRT", "EPRT")
	add("OPTS UTF8", "UTF8")
	lines = append(lines, " TVFS")
	add("MLST", "MLST type*;size*;modify*;")
	add("REST", "REST STREAM")
	add("HOST", "HOST")
	if r.has("HASH") {
		algos := make([]string, len(hashAlgorithms))
		for i, a := range hashAlgorithms {
			if a == s.selectedHash {
				a += "*"
			}
			algos[i] = a
		}
		lines = append(lines, " HASH "+strings.Join(algos, ";"))
	}
	if s.server.tlsConfig != nil {
		add("AUTH", "AUTH TLS")
		add("PBSZ", "PBSZ")
		add("PROT", "PROT")
	}
	if subs := r.subVerbs("SITE"); len(subs) > 0 {
		lines = append(lines, " SITE "+strings.Join(subs, ";"))
	}

	lines = append(lines, "End")
	return NewResponse(211, lines...), nil
}

func (s *Session) handleOptsUTF8(_ context.Context, arg string) (*Response, error) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "", "ON":
		s.mu.Lock()
		s.encoding = unicode.UTF8
		s.mu.Unlock()
		return reply(200, "UTF8 mode enabled."), nil
	case "OFF":
		s.mu.Lock()
		s.encoding = s.server.defaultEncoding
		s.mu.Unlock()
		return reply(200, "UTF8 mode disabled."), nil
	}
	return reply(501, "Option not understood."), nil
}

func (s *Session) handleOptsHASH(_ context.Context, arg string) (*Response, error) {
	algo := strings.ToUpper(strings.TrimSpace(arg))
	if algo == "" {
		return reply(200, "%s", s.selectedHash), nil
	}
	for _, a := range hashAlgorithms {
		if a == algo {
			s.selectedHash = a
			return reply(200, "%s selected.", a), nil
		}
	}
	return reply(501, "Unknown hash algorithm."), nil
}

func (s *Session) handleMLST(ctx context.Context, arg string) (*Response, error) {
	name := s.Resolve(arg)
	info, err := s.fs.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	facts, _, _ := strings.Cut(formatMLEntry(info), " ")
	return NewResponse(250, "Listing "+name, " "+facts+" "+name, "End"), nil
}

// formatMLEntry renders the facts of an entry for MLSD and MLST.
func formatMLEntry(info fs.FileInfo) string {
	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	return fmt.Sprintf("type=%s;size=%d;modify=%s;UNIX.mode=%04o; %s",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), info.Mode().Perm(), info.Name())
}
