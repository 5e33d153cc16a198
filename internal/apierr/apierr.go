// Package apierr defines the closed set of error codes the HTTP boundary
// can return, and the CodedError type every handler resolves to.
package apierr

import "net/http"

// Code is one of the canonical error codes in the closed set below. Handlers
// never invent new codes; new failure modes get mapped onto the closest
// existing one.
type Code string

const (
	Unauthorized          Code = "UNAUTHORIZED"
	ThreadNotFound        Code = "THREAD_NOT_FOUND"
	JobNotFound           Code = "JOB_NOT_FOUND"
	ApprovalNotFound      Code = "APPROVAL_NOT_FOUND"
	ThreadHasActiveJob    Code = "THREAD_HAS_ACTIVE_JOB"
	ThreadArchived        Code = "THREAD_ARCHIVED"
	CursorExpired         Code = "CURSOR_EXPIRED"
	TerminalDisabled      Code = "TERMINAL_DISABLED"
	TerminalCursorExpired Code = "TERMINAL_CURSOR_EXPIRED"
	FSPathForbidden       Code = "FS_PATH_FORBIDDEN"
	BadRequest            Code = "BAD_REQUEST"
	Internal              Code = "INTERNAL"
)

var statusByCode = map[Code]int{
	Unauthorized:          http.StatusUnauthorized,
	ThreadNotFound:        http.StatusNotFound,
	JobNotFound:           http.StatusNotFound,
	ApprovalNotFound:      http.StatusNotFound,
	ThreadHasActiveJob:    http.StatusConflict,
	ThreadArchived:        http.StatusConflict,
	CursorExpired:         http.StatusGone,
	TerminalDisabled:      http.StatusForbidden,
	TerminalCursorExpired: http.StatusGone,
	FSPathForbidden:       http.StatusForbidden,
	BadRequest:            http.StatusBadRequest,
	Internal:              http.StatusInternalServerError,
}

// CodedError is the canonical error shape returned by every component and
// serialized by the boundary per spec.md §6's error body.
type CodedError struct {
	Code    Code
	Status  int
	Message string
	// Err wraps the underlying cause, if any, for logging only. Never
	// exposed to the client.
	Err error
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CodedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a CodedError, resolving the HTTP status from the code's default
// mapping.
func New(code Code, message string) *CodedError {
	return &CodedError{Code: code, Status: statusByCode[code], Message: message}
}

// Wrap builds a CodedError carrying an underlying cause for logging.
func Wrap(code Code, message string, err error) *CodedError {
	return &CodedError{Code: code, Status: statusByCode[code], Message: message, Err: err}
}

// As extracts a *CodedError from err, falling back to an INTERNAL error for
// anything that isn't already coded.
func As(err error) *CodedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CodedError); ok {
		return ce
	}
	return Wrap(Internal, "internal error", err)
}
