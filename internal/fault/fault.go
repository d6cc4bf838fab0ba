// SPDX-License-Identifier: MIT

// Package fault carries stable, user-visible error codes through the
// pipeline. Every failure that crosses a component boundary is wrapped in
// an *Error so the first stable code survives to the terminal event and
// the trace stream, no matter how many times the error is re-wrapped on
// the way out.
package fault

import (
	"errors"
	"fmt"
	"regexp"
)

// Error is an error annotated with a stable code.
//
// The code is the token rendered to the user and written into trace
// records; Message is a one-line human summary. Err is the underlying
// cause, if any.
type Error struct {
	Code    string
	Message string
	Err     error
}

// New creates an Error with a code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a stable code. If err already carries a code,
// that inner code still wins in CodeOf: wrapping never rewrites a child's
// stable code.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the stable code of the innermost *Error in the chain,
// or the empty string if no coded error is present.
//
// The innermost code is the first one that was attached, which is the one
// closest to the actual failure; outer wrappers only add context.
func CodeOf(err error) string {
	code := ""
	for err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			code = fe.Code
			err = fe.Err
			continue
		}
		break
	}
	return code
}

// Chain returns the rendered message of each error in the chain, outermost
// first. This is what trace records carry in err_chain.
func Chain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}

// HTTPCode builds the stable code for a non-2xx HTTP status, e.g. HTTP_500.
func HTTPCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

var codePattern = regexp.MustCompile(`^(E_[A-Z0-9_]+|HTTP_\d{3})$`)

// ValidCode reports whether s is a well-formed stable code.
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}
