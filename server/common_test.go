package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// discardLogger keeps test output readable.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a server on a random local port. A nil factory means
// an FSDriver over a fresh temp dir with anonymous write access. Shutdown
// runs on test cleanup.
func startServer(t *testing.T, factory FileSystemFactory, options ...Option) (*Server, string) {
	t.Helper()

	if factory == nil {
		driver, err := NewFSDriver(t.TempDir(), WithAnonWrite(true))
		fatalIfErr(t, err, "NewFSDriver")
		factory = driver
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	opts := append([]Option{WithFileSystem(factory), WithLogger(discardLogger())}, options...)
	s, err := NewServer(ln.Addr().String(), opts...)
	if err != nil {
		ln.Close()
		t.Fatalf("NewServer: %v", err)
	}

	go func() {
		if err := s.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ln.Addr().String()
}

// startFSServer is startServer over an existing directory.
func startFSServer(t *testing.T, root string, options ...Option) (*Server, string) {
	t.Helper()
	driver, err := NewFSDriver(root, WithAnonWrite(true))
	fatalIfErr(t, err, "NewFSDriver")
	return startServer(t, driver, options...)
}

// dialClient connects and logs in anonymously with the jlaffaye client.
func dialClient(t *testing.T, addr string, options ...ftp.DialOption) *ftp.ServerConn {
	t.Helper()
	options = append([]ftp.DialOption{ftp.DialWithTimeout(5 * time.Second)}, options...)
	c, err := ftp.Dial(addr, options...)
	fatalIfErr(t, err, "dial %s", addr)
	t.Cleanup(func() { _ = c.Quit() })

	fatalIfErr(t, c.Login("anonymous", "test@example.com"), "login")
	return c
}

// rawConn is a control connection driven line by line.
type rawConn struct {
	t *testing.T
	*textproto.Conn
	netConn net.Conn
}

// dialRaw opens a control connection and consumes the greeting.
func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	c := dialRawNoGreeting(t, addr)
	c.expect(220)
	return c
}

// dialRawNoGreeting opens a control connection without reading anything.
func dialRawNoGreeting(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial %s", addr)
	_ = conn.SetDeadline(time.Now().Add(20 * time.Second))

	c := &rawConn{t: t, Conn: textproto.NewConn(conn), netConn: conn}
	t.Cleanup(func() { c.Close() })
	return c
}

// dialRawLoggedIn is dialRaw followed by an anonymous login.
func dialRawLoggedIn(t *testing.T, addr string) *rawConn {
	t.Helper()
	c := dialRaw(t, addr)
	c.cmd(331, "USER anonymous")
	c.cmd(230, "PASS test@example.com")
	return c
}

// cmd sends a command and checks the reply code. It returns the reply
// message.
func (c *rawConn) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	if _, err := c.Cmd(format, args...); err != nil {
		c.t.Fatalf("send %q: %v", fmt.Sprintf(format, args...), err)
	}
	return c.expect(code)
}

// send writes a command line without reading a reply.
func (c *rawConn) send(format string, args ...any) {
	c.t.Helper()
	if err := c.PrintfLine(format, args...); err != nil {
		c.t.Fatalf("send %q: %v", fmt.Sprintf(format, args...), err)
	}
}

// expect reads one reply and checks its code.
func (c *rawConn) expect(code int) string {
	c.t.Helper()
	got, msg, err := c.ReadResponse(0)
	if err != nil && got == 0 {
		c.t.Fatalf("read reply (want %d): %v", code, err)
	}
	if got != code {
		c.t.Fatalf("got reply %d %q, want %d", got, msg, code)
	}
	return msg
}

// pasv issues PASV and dials the advertised address.
func (c *rawConn) pasv() net.Conn {
	c.t.Helper()
	msg := c.cmd(227, "PASV")
	addr, err := parsePASV(msg)
	if err != nil {
		c.t.Fatalf("parse %q: %v", msg, err)
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(c.t, err, "dial data %s", addr)
	return conn
}

// epsv issues EPSV and dials the advertised port on the control host.
func (c *rawConn) epsv() net.Conn {
	c.t.Helper()
	msg := c.cmd(229, "EPSV")
	port, err := parseEPSV(msg)
	if err != nil {
		c.t.Fatalf("parse %q: %v", msg, err)
	}
	host, _, _ := net.SplitHostPort(c.netConn.RemoteAddr().String())
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 5*time.Second)
	fatalIfErr(c.t, err, "dial data port %d", port)
	return conn
}

// parsePASV extracts host:port from "Entering Passive Mode (h1,h2,h3,h4,p1,p2).".
func parsePASV(msg string) (string, error) {
	start := strings.Index(msg, "(")
	end := strings.LastIndex(msg, ")")
	if start < 0 || end < start {
		return "", fmt.Errorf("no address in %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("bad address in %q", msg)
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("bad port in %q", msg)
	}
	host := strings.Join(parts[:4], ".")
	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// parseEPSV extracts the port from "Entering Extended Passive Mode (|||port|).".
func parseEPSV(msg string) (int, error) {
	start := strings.Index(msg, "(|||")
	end := strings.LastIndex(msg, "|)")
	if start < 0 || end < start {
		return 0, fmt.Errorf("no port in %q", msg)
	}
	return strconv.Atoi(msg[start+4 : end])
}

// readAll reads a data connection to EOF and closes it.
func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	b, err := io.ReadAll(conn)
	fatalIfErr(t, err, "read data")
	return string(b)
}
