package server

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lesiw.io/fs/osfs"

	"github.com/gonzalop/ftpd/internal/transfers"
)

func TestDirectoryMessage(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()

	msgDir := filepath.Join(rootDir, "info")
	if err := os.Mkdir(msgDir, 0755); err != nil {
		t.Fatal(err)
	}
	messageContent := "Welcome to the info directory.\nPlease behave."
	if err := os.WriteFile(filepath.Join(msgDir, ".message"), []byte(messageContent), 0644); err != nil {
		t.Fatal(err)
	}

	_, addr := startFSServer(t, rootDir, WithDirMessage(true))
	c := dialRawLoggedIn(t, addr)

	msg := c.cmd(250, "CWD info")
	if !strings.Contains(msg, "Welcome to the info directory") {
		t.Errorf("Response did not contain .message content. Got: %q", msg)
	}
	if !strings.Contains(msg, "Please behave") {
		t.Errorf("Response did not contain second line of .message. Got: %q", msg)
	}

	// No message for a directory without one.
	if msg := c.cmd(250, "CDUP"); strings.Contains(msg, "Welcome") {
		t.Errorf("CDUP repeated the message: %q", msg)
	}
}

func TestASCIIMode(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	_, addr := startFSServer(t, rootDir)
	c := dialRawLoggedIn(t, addr)

	c.cmd(200, "TYPE A")
	data := c.pasv()
	c.cmd(150, "STOR ascii.txt")
	if _, err := data.Write([]byte("foo\r\nbar\r\n")); err != nil {
		t.Fatal(err)
	}
	data.Close()
	c.expect(226)

	diskContent, err := os.ReadFile(filepath.Join(rootDir, "ascii.txt"))
	fatalIfErr(t, err, "ReadFile")
	if string(diskContent) != "foo\nbar\n" {
		t.Errorf("ASCII Upload mismatch.\nGot on disk: %q\nWant: %q", diskContent, "foo\nbar\n")
	}

	c.cmd(200, "TYPE I")
	c.cmd(200, "TYPE L 8")
	c.cmd(504, "TYPE A T")
	c.cmd(504, "TYPE E")
}

func TestABOR(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "large.bin"), make([]byte, 1024*1024), 0644); err != nil {
		t.Fatal(err)
	}
	// 64 KiB/s keeps the transfer busy for several seconds.
	_, addr := startFSServer(t, rootDir, WithBandwidthLimit(64*1024, 0))
	c := dialRawLoggedIn(t, addr)

	// ABOR without a transfer.
	c.cmd(226, "ABOR")

	dataConn := c.pasv()
	defer dataConn.Close()
	c.cmd(150, "RETR large.bin")

	// Drain in the background so the transfer can make progress.
	drained := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, dataConn)
		drained <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.send("ABOR")
	c.expect(426)
	c.expect(226)

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Error("Expected data connection to be closed after ABOR")
	}

	// The session is still usable.
	c.cmd(200, "NOOP")
}

func TestCommandsQueuedBehindTransfer(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "medium.bin"), make([]byte, 96*1024), 0644); err != nil {
		t.Fatal(err)
	}
	_, addr := startFSServer(t, rootDir, WithBandwidthLimit(64*1024, 0))
	c := dialRawLoggedIn(t, addr)

	data := c.pasv()
	c.cmd(150, "RETR medium.bin")
	c.send("NOOP")

	if got := readAll(t, data); len(got) != 96*1024 {
		t.Errorf("received %d bytes, want %d", len(got), 96*1024)
	}
	// The transfer reply comes first, then the queued command's.
	c.expect(226)
	c.expect(200)
}

func TestABORAfterQueuedCommand(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "large.bin"), make([]byte, 1024*1024), 0644); err != nil {
		t.Fatal(err)
	}
	_, addr := startFSServer(t, rootDir, WithBandwidthLimit(64*1024, 0))
	c := dialRawLoggedIn(t, addr)

	dataConn := c.pasv()
	defer dataConn.Close()
	c.cmd(150, "RETR large.bin")
	drained := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, dataConn)
		drained <- err
	}()

	// ABOR still interrupts the transfer when other lines precede it.
	c.send("NOOP")
	c.send("STAT")
	c.send("ABOR")
	start := time.Now()
	c.expect(426)
	c.expect(226)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("abort took %v, the transfer ran to completion", elapsed)
	}
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Error("Expected data connection to be closed after ABOR")
	}

	// The queued commands run afterwards, in order.
	c.expect(200)
	c.expect(211)
	c.cmd(200, "NOOP")
}

func TestServerMiscFeatures(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "empty.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	var logBuf syncBuffer
	_, addr := startFSServer(t, rootDir, WithTransferLog(&logBuf), WithServerName("UNIX Type: L8 Test"))
	c := dialRawLoggedIn(t, addr)

	feat := c.cmd(211, "FEAT")
	for _, want := range []string{"UTF8", "MLST type*;size*;modify*;", "EPSV", "REST STREAM", "HASH SHA-1;SHA-256*;SHA-512;MD5;CRC32", "SITE BLST;CHMOD;HELP"} {
		if !strings.Contains(feat, want) {
			t.Errorf("FEAT missing %q:\n%s", want, feat)
		}
	}
	if strings.Contains(feat, "AUTH TLS") {
		t.Errorf("FEAT advertises TLS without a TLS config:\n%s", feat)
	}

	if msg := c.cmd(213, "HASH empty.txt"); msg != "SHA-256 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 /empty.txt" {
		t.Errorf("HASH = %q", msg)
	}
	c.cmd(200, "OPTS HASH md5")
	if msg := c.cmd(213, "HASH empty.txt"); !strings.HasPrefix(msg, "MD5 d41d8cd98f00b204e9800998ecf8427e") {
		t.Errorf("HASH after OPTS HASH MD5 = %q", msg)
	}
	if msg := c.cmd(200, "OPTS HASH"); msg != "MD5" {
		t.Errorf("OPTS HASH = %q", msg)
	}
	c.cmd(501, "OPTS HASH SHA-3")
	if feat := c.cmd(211, "FEAT"); !strings.Contains(feat, "MD5*") {
		t.Errorf("FEAT does not mark the selected hash:\n%s", feat)
	}

	c.cmd(200, "SITE CHMOD 600 empty.txt")
	info, err := os.Stat(filepath.Join(rootDir, "empty.txt"))
	fatalIfErr(t, err, "Stat")
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode after SITE CHMOD = %v", info.Mode().Perm())
	}
	c.cmd(501, "SITE CHMOD 7777 empty.txt")
	c.cmd(501, "SITE CHMOD abc empty.txt")
	c.cmd(501, "SITE CHMOD 644")

	if msg := c.cmd(215, "SYST"); msg != "UNIX Type: L8 Test" {
		t.Errorf("SYST = %q", msg)
	}
	c.cmd(200, "MODE S")
	c.cmd(504, "MODE B")
	c.cmd(200, "STRU F")
	c.cmd(504, "STRU R")
	c.cmd(202, "ALLO 100")
	c.cmd(202, "ACCT x")
	c.cmd(501, "REST -1")
	c.cmd(550, "SIZE missing")
	c.cmd(501, "MFMT 2021 empty.txt")

	help := c.cmd(214, "HELP")
	if !strings.Contains(help, "RETR") || !strings.Contains(help, "SITE") {
		t.Errorf("HELP does not list commands:\n%s", help)
	}
	c.cmd(214, "HELP retr")
	c.cmd(214, "HELP site blst")
	c.cmd(502, "HELP FOO")

	stat := c.cmd(211, "STAT")
	if !strings.Contains(stat, "Logged in as") {
		t.Errorf("STAT = %q", stat)
	}

	data := c.pasv()
	c.cmd(150, "RETR empty.txt")
	readAll(t, data)
	c.expect(226)
	c.cmd(221, "QUIT")

	waitFor(t, "transfer log", func() bool { return strings.Contains(logBuf.String(), "/empty.txt") })
	fields := strings.Fields(logBuf.String())
	// Mon Jan _2 15:04:05 2006 is five fields.
	if len(fields) != 18 {
		t.Fatalf("xferlog line has %d fields: %q", len(fields), logBuf.String())
	}
	if fields[8] != "/empty.txt" || fields[9] != "b" || fields[11] != "o" || fields[12] != "a" || fields[17] != "c" {
		t.Errorf("unexpected xferlog line %q", logBuf.String())
	}
}

// syncBuffer is a bytes.Buffer safe for use by the server and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// gatedFS holds writes until the gate is closed.
type gatedFS struct {
	*osfs.FS
	gate chan struct{}
}

func (g *gatedFS) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.FS.Create(ctx, name)
}

func TestBackgroundTransferListing(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	base, err := osfs.New(rootDir)
	fatalIfErr(t, err, "osfs.New")
	fsys := &gatedFS{FS: base, gate: make(chan struct{})}

	driver, err := NewStagedDriver(fsys, WithStagingDir(t.TempDir()), WithStagedAnonWrite(true))
	fatalIfErr(t, err, "NewStagedDriver")
	s, addr := startServer(t, driver)

	uploader := dialRawLoggedIn(t, addr)
	data := uploader.pasv()
	uploader.cmd(150, "STOR up.txt")
	if _, err := data.Write([]byte("staged content")); err != nil {
		t.Fatal(err)
	}
	data.Close()
	// The reply does not wait for the background write.
	if msg := uploader.expect(226); msg != "Uploaded file successfully." {
		t.Errorf("STOR reply = %q", msg)
	}
	uploader.cmd(221, "QUIT")

	// The transfer outlives the uploading session and is visible to others.
	watcher := dialRawLoggedIn(t, addr)
	waitFor(t, "transfer to start", func() bool {
		msg := watcher.cmd(211, "SITE BLST control")
		return strings.Contains(msg, "Transferring") && strings.Contains(msg, "/up.txt (0 transferred)")
	})

	data = watcher.pasv()
	watcher.cmd(150, "SITE BLST")
	if got := readAll(t, data); !strings.HasPrefix(got, "Transferring /up.txt") {
		t.Errorf("BLST over data connection = %q", got)
	}
	watcher.expect(250)
	watcher.cmd(501, "SITE BLST sideways")

	close(fsys.gate)
	waitFor(t, "transfer to finish", func() bool {
		got := s.BackgroundTransfers()
		return len(got) == 1 && got[0].Status == transfers.Finished
	})
	// Polling from the embedding program leaves the record for clients.
	if msg := watcher.cmd(211, "SITE BLST direct"); !strings.Contains(msg, "Finished     /up.txt") {
		t.Errorf("BLST after BackgroundTransfers = %q", msg)
	}

	// Finished records are reported once.
	if msg := watcher.cmd(211, "SITE BLST control"); msg != "No background tasks" {
		t.Errorf("BLST after report = %q", msg)
	}
	if got := s.BackgroundTransfers(); len(got) != 0 {
		t.Errorf("BackgroundTransfers() = %v", got)
	}

	content, err := os.ReadFile(filepath.Join(rootDir, "up.txt"))
	fatalIfErr(t, err, "ReadFile")
	if string(content) != "staged content" {
		t.Errorf("content = %q", content)
	}
}

func TestSharedBackgroundTransfers(t *testing.T) {
	t.Parallel()
	base, err := osfs.New(t.TempDir())
	fatalIfErr(t, err, "osfs.New")
	fsys := &gatedFS{FS: base, gate: make(chan struct{})}
	driver, err := NewStagedDriver(fsys, WithStagingDir(t.TempDir()), WithStagedAnonWrite(true))
	fatalIfErr(t, err, "NewStagedDriver")

	first, firstAddr := startServer(t, driver)
	second, secondAddr := startServer(t, driver, WithTransfersFrom(first))

	uploader := dialRawLoggedIn(t, secondAddr)
	data := uploader.pasv()
	uploader.cmd(150, "STOR shared.txt")
	if _, err := data.Write([]byte("shared")); err != nil {
		t.Fatal(err)
	}
	data.Close()
	uploader.expect(226)

	watcher := dialRawLoggedIn(t, firstAddr)
	if msg := watcher.cmd(211, "SITE BLST control"); !strings.Contains(msg, "/shared.txt") {
		t.Errorf("upload on the other server not listed: %q", msg)
	}

	// The borrowing server leaves the coordinator running on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fatalIfErr(t, second.Shutdown(ctx), "Shutdown")
	close(fsys.gate)
	waitFor(t, "transfer to finish", func() bool {
		got := first.BackgroundTransfers()
		return len(got) == 1 && got[0].Status == transfers.Finished
	})
}
