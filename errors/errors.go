// Package errors provides the structured error type shared across every
// lola-shm package, along with the error code taxonomy of the binding's
// public operations.
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured lola-shm error with context for
// diagnostics: which operation failed, which element it concerned, and the
// high-level category a caller should branch on.
type Error struct {
	Op      string  // operation that failed, e.g. "Skeleton.PrepareOffer"
	Element string  // ElementFqId.String(), empty if not element-scoped
	Code    Code    // high-level error category
	Msg     string  // human-readable detail
	Inner   error   // wrapped error, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.Element != "":
		return fmt.Sprintf("lola: %s: %s (%s)", e.Op, msg, e.Element)
	case e.Op != "":
		return fmt.Sprintf("lola: %s: %s", e.Op, msg)
	default:
		return fmt.Sprintf("lola: %s", msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Code represents a high-level error category a caller can branch on.
type Code string

const (
	CodeBindingFailure          Code = "binding failure"
	CodeNoSlotAvailable         Code = "no slot available"
	CodeCallQueueFull           Code = "call queue full"
	CodeServiceNotOffered       Code = "service not offered"
	CodeCommunicationLinkError  Code = "communication link error"
	CodeFindServiceHandlerError Code = "find service handler failure"
	CodeInvalidHandle           Code = "invalid handle"
	CodeCouldNotRestartProxy    Code = "could not restart proxy"
)

// New creates a structured error for op scoped to no particular element.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewForElement creates a structured error scoped to a specific service
// element, identified by its string form (see wire.ElementFqId.String).
func NewForElement(op string, element string, code Code, msg string) *Error {
	return &Error{Op: op, Element: element, Code: code, Msg: msg}
}

// Wrap annotates an existing error with operation context, preserving its
// code if it is already a structured Error.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if le, ok := inner.(*Error); ok {
		return &Error{Op: op, Element: le.Element, Code: le.Code, Msg: le.Msg, Inner: le.Inner}
	}
	return &Error{Op: op, Code: CodeBindingFailure, Msg: inner.Error(), Inner: inner}
}

// Is reports whether err is a structured Error with the given code.
func Is(err error, code Code) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}
