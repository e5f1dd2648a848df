// Package domainerrors provides coded errors so callers can branch on the kind
// of failure instead of parsing message text.
package domainerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the kind of failure.
type Code string

const (
	// CodeInvalidConjunctionData marks malformed or physically invalid input.
	// The event is rejected before anything is recorded.
	CodeInvalidConjunctionData Code = "invalid_conjunction_data"
	// CodeOptimizerNonConvergence marks a search that exhausted its budget
	// without reaching the safety margin. Reported, never fatal.
	CodeOptimizerNonConvergence Code = "optimizer_non_convergence"
	// CodeSafetyViolation marks a plan that failed one or more hard limits.
	CodeSafetyViolation Code = "safety_violation"
	// CodeLedgerWriteFailure marks a decision that could not be durably recorded.
	CodeLedgerWriteFailure Code = "ledger_write_failure"

	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeBadRequest   Code = "bad_request"
	CodeInternal     Code = "internal_error"
)

// Error is a coded error with an optional cause and offending input fields.
type Error struct {
	Code    Code
	Message string
	Fields  []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Fields, ", "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so errors.Is(err, New(code, ""))
// works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithFields returns a copy of the error listing the offending input fields.
func (e *Error) WithFields(fields ...string) *Error {
	cp := *e
	cp.Fields = append(append([]string(nil), e.Fields...), fields...)
	return &cp
}

// CodeOf returns the code of the outermost coded error in the chain, or
// CodeInternal when the chain carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// FieldsOf returns the offending fields recorded on the outermost coded error.
func FieldsOf(err error) []string {
	var de *Error
	if errors.As(err, &de) {
		return append([]string(nil), de.Fields...)
	}
	return nil
}
