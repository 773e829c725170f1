package filesystem

import (
	"fmt"

	"emperror.dev/errors"
	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

type ErrorCode string

const (
	ErrCodeNotFound      ErrorCode = "E_NOTFOUND"
	ErrCodeNotAuthorized ErrorCode = "E_NOTAUTHORIZED"
	ErrCodeBadRequest    ErrorCode = "E_BADREQUEST"
	ErrCodeConfiguration ErrorCode = "E_CONFIGURATION"
	ErrCodeIo            ErrorCode = "E_IO"
	ErrCodeGeneric       ErrorCode = "E_GENERIC"
)

// Error is the single error type returned across the filesystem package
// boundary. Callers should inspect it with IsErrorCode rather than comparing
// messages.
type Error struct {
	code ErrorCode
	// Contains the underlying error leading to this. This value may or may not be
	// present, it is entirely dependent on how this error was triggered.
	err error
	// This contains the value of the final destination that triggered this specific
	// error event.
	resolved string
	// This value is generally only present on errors stemming from a path resolution
	// error. For everything else you should be setting and reading the resolved path
	// value which will be far more useful.
	path string
	msg  string
}

// newFilesystemError returns a new error instance with a stack trace
// associated.
func newFilesystemError(code ErrorCode, err error) error {
	if err != nil {
		return errors.WithStackDepth(&Error{code: code, err: err}, 1)
	}
	return errors.WithStackDepth(&Error{code: code}, 1)
}

// newErrorf returns a coded error carrying a formatted message and the key
// the caller asked for.
func newErrorf(code ErrorCode, key string, format string, args ...interface{}) error {
	return errors.WithStackDepth(&Error{code: code, path: key, msg: fmt.Sprintf(format, args...)}, 1)
}

// Code returns the ErrorCode for this specific error instance.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Returns a human-readable error string to identify the Error by.
func (e *Error) Error() string {
	if e.msg != "" {
		return "filesystem: " + e.msg
	}
	switch e.code {
	case ErrCodeNotAuthorized:
		r := e.resolved
		if r == "" {
			r = "<empty>"
		}
		return fmt.Sprintf("filesystem: server path [%s] resolves to a location outside the server root: %s", e.path, r)
	case ErrCodeNotFound:
		return "filesystem: no such file or directory: " + e.path
	case ErrCodeBadRequest:
		return "filesystem: invalid operation for target: " + e.path
	case ErrCodeConfiguration:
		return "filesystem: invalid server path configuration"
	case ErrCodeIo:
		if e.err != nil {
			return "filesystem: io error: " + e.err.Error()
		}
		return "filesystem: io error"
	}
	if e.err != nil {
		return "filesystem: unexpected error: " + e.err.Error()
	}
	return "filesystem: unexpected error"
}

// Unwrap returns the underlying cause of this error (if any).
func (e *Error) Unwrap() error {
	return e.err
}

// IsErrorCode checks if "err" is a filesystem Error type. If so, it will then
// drop in and check that the error code is the same as the provided ErrorCode
// passed in "code".
func IsErrorCode(err error, code ErrorCode) bool {
	var fserr *Error
	if errors.As(err, &fserr) {
		return fserr.code == code
	}
	return false
}

// Code returns the ErrorCode carried by err, or ErrCodeGeneric if err is not a
// filesystem error.
func Code(err error) ErrorCode {
	var fserr *Error
	if errors.As(err, &fserr) {
		return fserr.code
	}
	return ErrCodeGeneric
}

// NewBadPathResolution returns a new BadPathResolution error.
func NewBadPathResolution(path string, resolved string) error {
	return errors.WithStackDepth(&Error{code: ErrCodeNotAuthorized, path: path, resolved: resolved}, 1)
}

// classify converts an error coming back from the os package into a coded
// filesystem error. Errors that already carry a code pass through untouched.
func classify(key string, err error) error {
	if err == nil {
		return nil
	}
	var fserr *Error
	if errors.As(err, &fserr) {
		return err
	}
	if isMissingError(err) {
		return errors.WithStackDepth(&Error{code: ErrCodeNotFound, path: key, err: err}, 1)
	}
	// The final component was swapped for a symlink after the path was
	// resolved, opening with O_NOFOLLOW refuses it.
	if errors.Is(err, unix.ELOOP) {
		return errors.WithStackDepth(&Error{code: ErrCodeNotAuthorized, path: key, err: err}, 1)
	}
	return errors.WithStackDepth(&Error{code: ErrCodeIo, path: key, err: err}, 1)
}

// Generates an error logger instance with some basic information.
func (b *dirBackend) error(err error) *log.Entry {
	return b.log().WithField("error", err)
}
