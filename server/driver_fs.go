package server

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FSDriver serves a directory of the local file system.
//
// Security Model:
//   - All file operations are confined to the root path using os.Root
//   - Anonymous users are read-only unless WithAnonWrite is set
//   - With WithWriteGroup, only members of that group may write
//
// FSDriver writes synchronously and never returns background transfers.
type FSDriver struct {
	rootPath   string
	anonWrite  bool
	writeGroup string
	userHomes  bool
}

// FSDriverOption is a functional option for configuring an FSDriver.
type FSDriverOption func(*FSDriver)

// NewFSDriver creates a driver rooted at rootPath, which must be an
// existing directory.
//
//	driver, err := server.NewFSDriver("/tmp/ftp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, _ := server.NewServer(":21", server.WithFileSystem(driver))
func NewFSDriver(rootPath string, options ...FSDriverOption) (*FSDriver, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", rootPath)
	}
	rootPath, err = filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	d := &FSDriver{rootPath: rootPath}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// WithAnonWrite enables write access for anonymous users.
// Default is false (read-only). Use this with caution.
func WithAnonWrite(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.anonWrite = enable
	}
}

// WithWriteGroup restricts write access of authenticated users to members
// of group.
func WithWriteGroup(group string) FSDriverOption {
	return func(d *FSDriver) {
		d.writeGroup = group
	}
}

// WithUserHomes gives every authenticated user a private directory named
// after the user below the root, created on first login. Anonymous users
// see the root itself.
func WithUserHomes(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.userHomes = enable
	}
}

// Create opens the root for one logged-in account.
func (d *FSDriver) Create(_ context.Context, account *AccountInfo) (FileSystem, error) {
	readOnly := false
	switch {
	case account.Anonymous:
		readOnly = !d.anonWrite
	case d.writeGroup != "":
		readOnly = !account.User.IsInGroup(d.writeGroup)
	}

	rootPath := d.rootPath
	if d.userHomes && !account.Anonymous {
		name := account.User.Name()
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("invalid home directory name %q", name)
		}
		rootPath = filepath.Join(rootPath, name)
		if err := os.MkdirAll(rootPath, 0o755); err != nil {
			return nil, fmt.Errorf("create home directory: %w", err)
		}
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, err
	}
	return &localFS{root: root, readOnly: readOnly}, nil
}

// localFS is the FileSystem of one session. Names are absolute paths
// inside root.
type localFS struct {
	root     *os.Root
	readOnly bool
}

// rel maps an absolute FTP path to a name relative to the root handle:
// "/foo/bar" -> "foo/bar", "/" -> ".".
func rel(name string) string {
	r := strings.TrimPrefix(path.Clean("/"+name), "/")
	if r == "" {
		return "."
	}
	return r
}

func (c *localFS) writable() error {
	if c.readOnly {
		return fs.ErrPermission
	}
	return nil
}

func (c *localFS) Close() error {
	return c.root.Close()
}

func (c *localFS) Stat(_ context.Context, name string) (fs.FileInfo, error) {
	return c.root.Stat(rel(name))
}

func (c *localFS) ReadDir(_ context.Context, name string) ([]fs.FileInfo, error) {
	f, err := c.root.Open(rel(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (c *localFS) Open(_ context.Context, name string, offset int64) (io.ReadCloser, error) {
	f, err := c.root.Open(rel(name))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (c *localFS) Create(_ context.Context, name string, r io.Reader) (BackgroundTransfer, error) {
	return nil, c.write(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, -1, r)
}

func (c *localFS) Replace(_ context.Context, name string, r io.Reader) (BackgroundTransfer, error) {
	return nil, c.write(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, -1, r)
}

func (c *localFS) Append(_ context.Context, name string, offset int64, r io.Reader) (BackgroundTransfer, error) {
	if offset < 0 {
		return nil, c.write(name, os.O_WRONLY|os.O_APPEND, -1, r)
	}
	return nil, c.write(name, os.O_WRONLY, offset, r)
}

// write copies r into name. A non-negative offset truncates the file there
// before writing.
func (c *localFS) write(name string, flag int, offset int64, r io.Reader) error {
	if err := c.writable(); err != nil {
		return err
	}
	f, err := c.root.OpenFile(rel(name), flag, 0o644)
	if err != nil {
		return err
	}
	if offset >= 0 {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *localFS) MakeDir(_ context.Context, name string) error {
	if err := c.writable(); err != nil {
		return err
	}
	return c.root.Mkdir(rel(name), 0o755)
}

func (c *localFS) RemoveDir(_ context.Context, name string) error {
	if err := c.writable(); err != nil {
		return err
	}
	info, err := c.root.Stat(rel(name))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", name, fs.ErrInvalid)
	}
	return c.root.Remove(rel(name))
}

func (c *localFS) Remove(_ context.Context, name string) error {
	if err := c.writable(); err != nil {
		return err
	}
	info, err := c.root.Lstat(rel(name))
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", name, fs.ErrPermission)
	}
	return c.root.Remove(rel(name))
}

func (c *localFS) Rename(_ context.Context, from, to string) error {
	if err := c.writable(); err != nil {
		return err
	}
	return c.root.Rename(rel(from), rel(to))
}

func (c *localFS) SetModTime(_ context.Context, name string, t time.Time) error {
	if err := c.writable(); err != nil {
		return err
	}
	return c.root.Chtimes(rel(name), t, t)
}

// Chmod is used by SITE CHMOD.
func (c *localFS) Chmod(_ context.Context, name string, mode fs.FileMode) error {
	if err := c.writable(); err != nil {
		return err
	}
	if mode > 0o777 {
		return fs.ErrInvalid
	}
	return c.root.Chmod(rel(name), mode)
}

// Hash calculates the digest of a file for the HASH command.
func (c *localFS) Hash(_ context.Context, name, algo string) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	f, err := c.root.Open(rel(name))
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(algo string) (hash.Hash, error) {
	switch strings.ToUpper(algo) {
	case "SHA-256", "SHA256":
		return sha256.New(), nil
	case "SHA-512", "SHA512":
		return sha512.New(), nil
	case "SHA-1", "SHA1":
		return sha1.New(), nil
	case "MD5":
		return md5.New(), nil
	case "CRC32":
		return crc32.NewIEEE(), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
}
