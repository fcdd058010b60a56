package hxdb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the status of a failed operation. All codes are negative so they
// never collide with the lengths and counts returned on success.
type Code int

const (
	CodeBadRequest Code = -(iota + 1)
	CodeBadRecord
	CodeBadFile
	CodeRead
	CodeLseek
	CodeWrite
	CodeCreate
	CodeLock
	CodeFtruncate
	CodeMmap
	CodeFsync
	CodeFopen
)

var codeNames = map[Code]string{
	CodeBadRequest: "bad request",
	CodeBadRecord:  "bad record",
	CodeBadFile:    "bad file",
	CodeRead:       "read",
	CodeLseek:      "lseek",
	CodeWrite:      "write",
	CodeCreate:     "create",
	CodeLock:       "lock",
	CodeFtruncate:  "ftruncate",
	CodeMmap:       "mmap",
	CodeFsync:      "fsync",
	CodeFopen:      "fopen",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is returned by every failing operation. Err, when set, wraps the
// underlying OS error; errors.Cause(err) yields the errno.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Cause() error { return e.Err }

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of Op and Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrBadRequest = &Error{Code: CodeBadRequest}
	ErrBadRecord  = &Error{Code: CodeBadRecord}
	ErrBadFile    = &Error{Code: CodeBadFile}
	ErrRead       = &Error{Code: CodeRead}
	ErrLseek      = &Error{Code: CodeLseek}
	ErrWrite      = &Error{Code: CodeWrite}
	ErrCreate     = &Error{Code: CodeCreate}
	ErrLock       = &Error{Code: CodeLock}
	ErrFtruncate  = &Error{Code: CodeFtruncate}
	ErrMmap       = &Error{Code: CodeMmap}
	ErrFsync      = &Error{Code: CodeFsync}
	ErrFopen      = &Error{Code: CodeFopen}
)

// CodeOf returns the status code carried by err, or 0 for nil.
// Errors that did not come from this package report CodeBadFile.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeBadFile
}

func newError(code Code, op string) error {
	return &Error{Code: code, Op: op}
}

func wrapError(code Code, op string, err error) error {
	if err == nil {
		return newError(code, op)
	}
	return &Error{Code: code, Op: op, Err: errors.WithStack(err)}
}

// badFile reports damage found while working on the file.
func badFile(op, format string, args ...interface{}) error {
	return &Error{Code: CodeBadFile, Op: op, Err: errors.Errorf(format, args...)}
}
