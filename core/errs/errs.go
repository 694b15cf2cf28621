/*
Package errs defines the error taxonomy of the REST API.

Every error that crosses a handler boundary carries a machine
distinguishable kind and a human readable message. Handlers render
errors as JSON with WriteError; stores and the ownership checker
return *Error values directly.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// Kind is the machine distinguishable error class
type Kind string

// all error kinds surfaced by the API
const (
	KindNotFound     Kind = "not_found"
	KindTypeMismatch Kind = "type_mismatch"
	KindForbidden    Kind = "forbidden"
	KindUnauthorized Kind = "unauthorized"
	KindValidation   Kind = "validation"
	KindInternal     Kind = "internal"
)

// Error is a structured API error
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

// NotFound returns a not_found error
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// TypeMismatch returns a type_mismatch error
func TypeMismatch(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTypeMismatch, Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns a forbidden error
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized returns an unauthorized error
func Unauthorized(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a validation error
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Internal returns an internal error
func Internal(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Status maps an error kind to its HTTP status code
func Status(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindTypeMismatch:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as a JSON error response. Errors that are not
// *Error values are reported as internal without leaking their message.
func WriteError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: "internal server error"}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(Status(e.Kind))
	jsonData, _ := json.Marshal(e)
	w.Write(jsonData)
}
