package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMaxConnections(t *testing.T) {
	t.Parallel()
	// Limit to 1 connection total
	_, addr := startServer(t, nil, WithMaxConnections(1, 0))

	c1 := dialRaw(t, addr)

	// The server accepts the connection, sends 421 and closes it.
	c2, err := dialRejected(t, addr)
	fatalIfErr(t, err, "dial second client")
	if !strings.Contains(c2, "Too many users") {
		t.Errorf("rejection reply = %q", c2)
	}

	c1.cmd(221, "QUIT")
	// The slot is freed when the first session ends.
	waitFor(t, "slot release", func() bool {
		msg, err := dialRejected(t, addr)
		return err == nil && msg == ""
	})
}

func TestMaxConnectionsPerIP(t *testing.T) {
	t.Parallel()
	_, addr := startServer(t, nil, WithMaxConnections(0, 2))

	c1 := dialRaw(t, addr)
	c2 := dialRaw(t, addr)

	msg, err := dialRejected(t, addr)
	fatalIfErr(t, err, "dial third client")
	if !strings.Contains(msg, "Too many connections from your IP") {
		t.Errorf("rejection reply = %q", msg)
	}

	c1.cmd(221, "QUIT")
	c2.cmd(200, "NOOP")
	waitFor(t, "slot release", func() bool {
		msg, err := dialRejected(t, addr)
		return err == nil && msg == ""
	})
}

func TestInvalidConnectionLimits(t *testing.T) {
	t.Parallel()
	driver, err := NewFSDriver(t.TempDir())
	fatalIfErr(t, err, "NewFSDriver")
	if _, err := NewServer(":0", WithFileSystem(driver), WithMaxConnections(-1, 0)); err == nil {
		t.Error("NewServer accepted a negative connection limit")
	}
}

// dialRejected connects and returns the text of a 421 greeting, or "" if
// the server greeted normally.
func dialRejected(t *testing.T, addr string) (string, error) {
	t.Helper()
	c := dialRawNoGreeting(t, addr)
	defer c.Close()
	code, msg, err := c.ReadResponse(0)
	if code == 0 && err != nil {
		return "", err
	}
	if code == 421 {
		return msg, nil
	}
	return "", nil
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	_, addr := startServer(t, nil, WithMaxIdleTime(200*time.Millisecond))

	c := dialRawLoggedIn(t, addr)
	time.Sleep(400 * time.Millisecond)
	c.expect(421)
	if _, _, err := c.ReadResponse(0); err == nil {
		t.Error("connection still open after idle timeout")
	}
}

func TestPerUserBandwidthLimit(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	const size = 48 * 1024
	fatalIfErr(t, os.WriteFile(filepath.Join(root, "limited.bin"), make([]byte, size), 0o644), "seed")
	// One second of burst, then 32 KiB/s.
	_, addr := startFSServer(t, root, WithBandwidthLimit(0, 32*1024))

	c := dialRawLoggedIn(t, addr)
	data := c.pasv()
	start := time.Now()
	c.cmd(150, "RETR limited.bin")
	if got := readAll(t, data); len(got) != size {
		t.Errorf("received %d bytes, want %d", len(got), size)
	}
	c.expect(226)
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("transfer took %v, the limit was not applied", elapsed)
	}
}
