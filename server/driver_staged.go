package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	lfs "lesiw.io/fs"
)

// StagedDriver serves a lesiw.io/fs file system, typically a remote or
// slow one.
//
// Reads and metadata operations go straight to the file system. Uploads are
// spooled into a local staging file while the data connection is open and
// are pushed to the file system afterwards by a background transfer, so the
// client gets its 226 reply as soon as the data has arrived.
//
//	fsys, _ := osfs.New("/srv/ftp")
//	driver, _ := server.NewStagedDriver(fsys, server.WithStagingDir("/var/spool/ftpd"))
type StagedDriver struct {
	fsys       lfs.FS
	stagingDir string
	anonWrite  bool
}

// StagedDriverOption is a functional option for configuring a StagedDriver.
type StagedDriverOption func(*StagedDriver)

// WithStagingDir sets the local directory for spooled uploads.
// Default is os.TempDir().
func WithStagingDir(dir string) StagedDriverOption {
	return func(d *StagedDriver) {
		d.stagingDir = dir
	}
}

// WithStagedAnonWrite enables write access for anonymous users.
func WithStagedAnonWrite(enable bool) StagedDriverOption {
	return func(d *StagedDriver) {
		d.anonWrite = enable
	}
}

// NewStagedDriver creates a driver over fsys.
func NewStagedDriver(fsys lfs.FS, options ...StagedDriverOption) (*StagedDriver, error) {
	if fsys == nil {
		return nil, errors.New("staged driver: nil file system")
	}
	d := &StagedDriver{fsys: fsys, stagingDir: os.TempDir()}
	for _, opt := range options {
		opt(d)
	}
	info, err := os.Stat(d.stagingDir)
	if err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("staging dir is not a directory: %s", d.stagingDir)
	}
	return d, nil
}

// Create returns the view of the file system for one account. All
// accounts share the same file system.
func (d *StagedDriver) Create(_ context.Context, account *AccountInfo) (FileSystem, error) {
	return &stagedFS{
		driver:   d,
		readOnly: account.Anonymous && !d.anonWrite,
	}, nil
}

// Close closes the underlying file system if it is closable.
func (d *StagedDriver) Close() error {
	return lfs.Close(d.fsys)
}

type stagedFS struct {
	driver   *StagedDriver
	readOnly bool
}

func (c *stagedFS) fsys() lfs.FS {
	return c.driver.fsys
}

func (c *stagedFS) writable() error {
	if c.readOnly {
		return fs.ErrPermission
	}
	return nil
}

// The session's view ends with the session; the shared file system stays
// open for background transfers.
func (c *stagedFS) Close() error {
	return nil
}

func (c *stagedFS) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	return lfs.Stat(ctx, c.fsys(), rel(name))
}

func (c *stagedFS) ReadDir(ctx context.Context, name string) ([]fs.FileInfo, error) {
	var infos []fs.FileInfo
	for entry, err := range lfs.ReadDir(ctx, c.fsys(), rel(name)) {
		if err != nil {
			return nil, err
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (c *stagedFS) Open(ctx context.Context, name string, offset int64) (io.ReadCloser, error) {
	r, err := lfs.Open(ctx, c.fsys(), rel(name))
	if err != nil {
		return nil, err
	}
	if offset <= 0 {
		return r, nil
	}
	if seeker, ok := r.(io.Seeker); ok {
		_, err = seeker.Seek(offset, io.SeekStart)
	} else {
		_, err = io.CopyN(io.Discard, r, offset)
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (c *stagedFS) Create(ctx context.Context, name string, r io.Reader) (BackgroundTransfer, error) {
	if _, err := c.Stat(ctx, name); err == nil {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrExist)
	}
	return c.stage(name, writeCreate, -1, r)
}

func (c *stagedFS) Replace(_ context.Context, name string, r io.Reader) (BackgroundTransfer, error) {
	return c.stage(name, writeCreate, -1, r)
}

func (c *stagedFS) Append(_ context.Context, name string, offset int64, r io.Reader) (BackgroundTransfer, error) {
	return c.stage(name, writeAppend, offset, r)
}

type writeMode int

const (
	writeCreate writeMode = iota
	writeAppend
)

// stage copies the upload into a local spool file.
func (c *stagedFS) stage(name string, mode writeMode, offset int64, r io.Reader) (BackgroundTransfer, error) {
	if err := c.writable(); err != nil {
		return nil, err
	}
	spool, err := os.CreateTemp(c.driver.stagingDir, "ftpd-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(spool, r); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, err
	}
	if err := spool.Close(); err != nil {
		os.Remove(spool.Name())
		return nil, err
	}
	return &stagedUpload{
		fsys:   c.fsys(),
		name:   name,
		spool:  spool.Name(),
		mode:   mode,
		offset: offset,
	}, nil
}

func (c *stagedFS) MakeDir(ctx context.Context, name string) error {
	if err := c.writable(); err != nil {
		return err
	}
	return lfs.Mkdir(ctx, c.fsys(), rel(name))
}

func (c *stagedFS) RemoveDir(ctx context.Context, name string) error {
	if err := c.writable(); err != nil {
		return err
	}
	info, err := c.Stat(ctx, name)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", name, fs.ErrInvalid)
	}
	return lfs.Remove(ctx, c.fsys(), rel(name))
}

func (c *stagedFS) Remove(ctx context.Context, name string) error {
	if err := c.writable(); err != nil {
		return err
	}
	info, err := c.Stat(ctx, name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", name, fs.ErrPermission)
	}
	return lfs.Remove(ctx, c.fsys(), rel(name))
}

func (c *stagedFS) Rename(ctx context.Context, from, to string) error {
	if err := c.writable(); err != nil {
		return err
	}
	return lfs.Rename(ctx, c.fsys(), rel(from), rel(to))
}

func (c *stagedFS) SetModTime(ctx context.Context, name string, t time.Time) error {
	if err := c.writable(); err != nil {
		return err
	}
	return lfs.Chtimes(ctx, c.fsys(), rel(name), t, t)
}

func (c *stagedFS) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	if err := c.writable(); err != nil {
		return err
	}
	if mode > 0o777 {
		return fs.ErrInvalid
	}
	return lfs.Chmod(ctx, c.fsys(), rel(name), mode)
}

func (c *stagedFS) Hash(ctx context.Context, name, algo string) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	r, err := lfs.Open(ctx, c.fsys(), rel(name))
	if err != nil {
		return "", err
	}
	defer r.Close()

	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stagedUpload pushes a spool file to its destination.
type stagedUpload struct {
	fsys   lfs.FS
	name   string
	spool  string
	mode   writeMode
	offset int64
}

func (u *stagedUpload) FileName() string {
	return u.name
}

func (u *stagedUpload) Run(ctx context.Context, progress func(n int64)) error {
	defer os.Remove(u.spool)

	src, err := os.Open(u.spool)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := u.open(ctx)
	if err != nil {
		return err
	}
	_, err = io.Copy(&progressWriter{w: dst, progress: progress}, &ctxReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return err
}

// Discard removes the spool file of an upload that will never run.
func (u *stagedUpload) Discard() error {
	return os.Remove(u.spool)
}

func (u *stagedUpload) open(ctx context.Context) (io.WriteCloser, error) {
	name := rel(u.name)
	switch {
	case u.mode == writeCreate:
		return lfs.Create(ctx, u.fsys, name)
	case u.offset >= 0:
		if err := lfs.Truncate(ctx, u.fsys, name, u.offset); err != nil {
			return nil, err
		}
	}
	return lfs.Append(ctx, u.fsys, name)
}

type progressWriter struct {
	w        io.Writer
	progress func(n int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 && p.progress != nil {
		p.progress(int64(n))
	}
	return n, err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
