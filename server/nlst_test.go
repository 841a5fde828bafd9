package server

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func seedListing(t *testing.T) (string, []string) {
	t.Helper()
	rootDir := t.TempDir()
	files := []string{"file1.txt", "file2.log", "image.png"}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(rootDir, f), []byte("content"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(rootDir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	return rootDir, files
}

func TestNLST(t *testing.T) {
	t.Parallel()
	rootDir, files := seedListing(t)
	_, addr := startFSServer(t, rootDir)
	c := dialClient(t, addr)

	entries, err := c.NameList(".")
	if err != nil {
		t.Fatalf("NameList failed: %v", err)
	}
	if len(entries) != len(files)+1 {
		t.Errorf("Expected %d entries, got %d: %v", len(files)+1, len(entries), entries)
	}
	for _, f := range files {
		if !slices.Contains(entries, f) {
			t.Errorf("Expected file %q not found in NLST response", f)
		}
	}
	// Names only, no long listing.
	for _, e := range entries {
		if strings.Contains(e, " ") {
			t.Errorf("NLST response contains spaces (likely detailed listing): %q", e)
		}
	}
}

func TestLISTFormats(t *testing.T) {
	t.Parallel()
	rootDir, _ := seedListing(t)
	_, addr := startFSServer(t, rootDir)
	c := dialRawLoggedIn(t, addr)

	// ls flags are ignored.
	data := c.pasv()
	c.cmd(150, "LIST -la")
	listing := readAll(t, data)
	c.expect(226)
	lines := strings.Split(strings.TrimSpace(listing), "\r\n")
	if len(lines) != 4 {
		t.Fatalf("LIST returned %d lines:\n%s", len(lines), listing)
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 9 || fields[2] != "ftp" || fields[3] != "ftp" {
			t.Errorf("LIST line is not in ls -l format: %q", line)
		}
		if strings.HasSuffix(line, " sub") && !strings.HasPrefix(line, "d") {
			t.Errorf("directory not marked: %q", line)
		}
	}

	// LIST of a single file.
	data = c.pasv()
	c.cmd(150, "LIST file1.txt")
	if got := readAll(t, data); !strings.HasSuffix(strings.TrimSpace(got), " file1.txt") {
		t.Errorf("LIST file1.txt = %q", got)
	}
	c.expect(226)

	// MLSD
	data = c.pasv()
	c.cmd(150, "MLSD")
	mlsd := readAll(t, data)
	c.expect(226)
	if !strings.Contains(mlsd, "type=dir;") || !strings.Contains(mlsd, "size=7;") {
		t.Errorf("MLSD facts missing:\n%s", mlsd)
	}
	for _, line := range strings.Split(strings.TrimSpace(mlsd), "\r\n") {
		facts, name, ok := strings.Cut(line, "; ")
		if !ok || name == "" || !strings.HasPrefix(facts, "type=") {
			t.Errorf("malformed MLSD line %q", line)
		}
	}

	c.cmd(501, "MLSD file1.txt")
	c.cmd(550, "LIST missing")

	// STAT with a path lists over the control connection.
	stat := c.cmd(213, "STAT sub")
	if !strings.Contains(stat, "Status of sub") {
		t.Errorf("STAT sub = %q", stat)
	}
	stat = c.cmd(213, "STAT file2.log")
	if !strings.Contains(stat, "file2.log") {
		t.Errorf("STAT file2.log = %q", stat)
	}
}
