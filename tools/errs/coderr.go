package errs

import (
	"errors"
)

// CodeError is an error carrying a stable wire code. The hub sends the code
// and message to clients inside error frames; Detail stays server-side.
type CodeError struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Detail string `json:"-"`
}

func NewCodeError(code, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return e.Code + " " + e.Msg
	}
	return e.Code + " " + e.Msg + ": " + e.Detail
}

// WithDetail returns a copy with extra server-side detail attached.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches by code so wrapped instances still compare equal.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Wire error codes, delivered in-band without closing the connection.
var (
	ErrNotAuthenticated = NewCodeError("NOT_AUTHENTICATED", "authenticate before sending messages")
	ErrInvalidMessage   = NewCodeError("INVALID_MESSAGE", "malformed message frame")
	ErrUnknownType      = NewCodeError("UNKNOWN_TYPE", "unsupported message type")
	ErrRateLimited      = NewCodeError("RATE_LIMITED", "too many messages, slow down")
	ErrForbidden        = NewCodeError("FORBIDDEN", "not a participant")
	ErrInternal         = NewCodeError("INTERNAL_ERROR", "internal error")
)

// Admission errors. These are fatal: the transport closes with a distinct
// close code so the client's reconnect controller can back off appropriately.
var (
	ErrUnauthorized = NewCodeError("UNAUTHORIZED", "invalid access token")
	ErrAuthTimeout  = NewCodeError("AUTH_TIMEOUT", "authentication deadline exceeded")
	ErrUserLimit    = NewCodeError("USER_LIMIT", "too many connections for this user")
	ErrIPLimit      = NewCodeError("IP_LIMIT", "too many connections from this address")
)
