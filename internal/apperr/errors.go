// Package apperr provides the typed, recoverable errors surfaced by the reader engine.
//
// Every public engine operation returns one of these (possibly wrapped) so the
// presentation layer can branch on the code and show Message to the user:
//
//	res, err := ctrl.Summary(ctx)
//	if err != nil {
//	    if apperr.Is(err, apperr.ErrBusy) {
//	        return // a request is already loading
//	    }
//	    show(apperr.UserMessage(err))
//	}
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is = errors.Is
	As = errors.As
)

// Code is a machine-readable error code.
type Code string

const (
	CodeNetwork           Code = "NETWORK"
	CodeMalformedResponse Code = "MALFORMED_RESPONSE"
	CodePermission        Code = "PERMISSION"
	CodePlayback          Code = "PLAYBACK"
	CodeBusy              Code = "BUSY"
	CodeStale             Code = "STALE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION"
	CodeInternal          Code = "INTERNAL"
)

// HTTPStatus maps a code onto the status used by the control API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeBusy, CodeStale:
		return http.StatusConflict
	case CodePermission:
		return http.StatusForbidden
	case CodeNetwork, CodeMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a recoverable engine error with a user-facing message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrNetwork           = &Error{Code: CodeNetwork, Message: "network error"}
	ErrMalformedResponse = &Error{Code: CodeMalformedResponse, Message: "malformed response"}
	ErrPermission        = &Error{Code: CodePermission, Message: "permission denied"}
	ErrPlayback          = &Error{Code: CodePlayback, Message: "playback failed"}
	ErrBusy              = &Error{Code: CodeBusy, Message: "a request is already loading"}
	ErrStale             = &Error{Code: CodeStale, Message: "response belongs to a previous session"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation        = &Error{Code: CodeValidation, Message: "invalid input"}
)

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// Network reports a non-2xx response or a transport failure.
func Network(msg string, cause error) *Error { return newError(CodeNetwork, msg, cause) }

// Malformed reports a response missing its expected fields.
func Malformed(msg string, cause error) *Error { return newError(CodeMalformedResponse, msg, cause) }

// Permission reports a denied device (microphone) access.
func Permission(msg string, cause error) *Error { return newError(CodePermission, msg, cause) }

// Playback reports a request that could not be started.
func Playback(msg string, cause error) *Error { return newError(CodePlayback, msg, cause) }

// Busy reports a request dropped by the single-flight guard.
func Busy(msg string) *Error { return newError(CodeBusy, msg, nil) }

// Stale reports a response discarded because the session moved on.
func Stale(msg string) *Error { return newError(CodeStale, msg, nil) }

// NotFound reports a missing entity.
func NotFound(msg string) *Error { return newError(CodeNotFound, msg, nil) }

// Validation reports bad caller input.
func Validation(msg string) *Error { return newError(CodeValidation, msg, nil) }

// CodeOf extracts the code of err, CodeInternal when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// UserMessage returns the text the presentation layer should display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Something went wrong. Please try again."
}
