package server

import (
	"context"
	"io"
	"io/fs"
	"net"
	"time"
)

// User is the identity of a logged-in account.
type User interface {
	// Name returns the account name.
	Name() string

	// IsInGroup reports whether the user belongs to group.
	IsInGroup(group string) bool
}

// AccountInfo describes the account a session is logged in as.
// It is handed to the FileSystemFactory so backends can scope storage
// per user.
type AccountInfo struct {
	// User is the authenticated identity. For anonymous logins its name is
	// the password the client supplied (by convention an e-mail address).
	User User

	// Anonymous is true for anonymous logins.
	Anonymous bool

	// Host is the virtual host requested with HOST (RFC 7151), if any.
	Host string

	// RemoteIP is the client address of the control connection.
	RemoteIP net.IP
}

// MemberValidationStatus is the outcome of a login attempt.
type MemberValidationStatus int

const (
	// InvalidLogin rejects the credentials.
	InvalidLogin MemberValidationStatus = iota
	// Anonymous accepts the login as an anonymous user.
	Anonymous
	// AuthenticatedUser accepts the login as a known user.
	AuthenticatedUser
)

// MemberValidationResult is returned by a MembershipProvider.
type MemberValidationResult struct {
	Status MemberValidationStatus
	User   User
}

// MembershipProvider validates USER/PASS credentials.
//
// Providers are consulted in the order they were configured; the first one
// returning a status other than InvalidLogin decides the login. An error is
// logged and treated as InvalidLogin.
type MembershipProvider interface {
	ValidateUser(ctx context.Context, user, pass string) (MemberValidationResult, error)
}

// FileSystemFactory creates the file system view for a logged-in account.
// It is called once per successful login.
type FileSystemFactory interface {
	Create(ctx context.Context, account *AccountInfo) (FileSystem, error)
}

// BackgroundTransfer is content that a FileSystem accepted but has not
// finished writing yet. The server hands it to its transfer coordinator,
// which calls Run exactly once, off the control connection.
//
// Run must report every chunk of written bytes through progress and should
// return when ctx is canceled (server shutdown). The transfer is not
// canceled when the control connection that produced it closes.
type BackgroundTransfer interface {
	FileName() string
	Run(ctx context.Context, progress func(n int64)) error
}

// Discarder is implemented by background transfers that hold resources
// until they run. The server calls Discard instead of Run when the
// transfer cannot be started, for example during shutdown.
type Discarder interface {
	Discard() error
}

// FileSystem is the storage seen by one logged-in session.
//
// All names are absolute, slash-separated and cleaned by the server
// (for example "/", "/pub/file.txt"). Implementations return errors
// matching fs.ErrNotExist, fs.ErrExist or fs.ErrPermission where
// applicable; the server maps them to FTP reply codes.
//
// Create, Replace and Append read the upload from r. They may consume r
// completely and return a non-nil BackgroundTransfer to finish the write
// later; a nil transfer means the write is complete.
type FileSystem interface {
	// Stat returns information about a file or directory.
	Stat(ctx context.Context, name string) (fs.FileInfo, error)

	// ReadDir lists a directory.
	ReadDir(ctx context.Context, name string) ([]fs.FileInfo, error)

	// Open opens a file for reading, starting at offset.
	Open(ctx context.Context, name string, offset int64) (io.ReadCloser, error)

	// Create writes a new file.
	Create(ctx context.Context, name string, r io.Reader) (BackgroundTransfer, error)

	// Replace overwrites an existing file.
	Replace(ctx context.Context, name string, r io.Reader) (BackgroundTransfer, error)

	// Append writes to an existing file starting at offset, or at its end
	// when offset is negative.
	Append(ctx context.Context, name string, offset int64, r io.Reader) (BackgroundTransfer, error)

	MakeDir(ctx context.Context, name string) error
	RemoveDir(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error

	// SetModTime changes the modification time (MFMT).
	SetModTime(ctx context.Context, name string, t time.Time) error

	// Close releases resources when the session ends.
	Close() error
}

// Chmodder is implemented by file systems that support SITE CHMOD.
type Chmodder interface {
	Chmod(ctx context.Context, name string, mode fs.FileMode) error
}

// Hasher is implemented by file systems that support the HASH command.
// algo is one of SHA-1, SHA-256, SHA-512, MD5 or CRC32.
type Hasher interface {
	Hash(ctx context.Context, name, algo string) (string, error)
}
