package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed action.
type ErrorKind string

const (
	NotAllowed      ErrorKind = "NotAllowed"
	NotFound        ErrorKind = "NotFound"
	AlreadyExists   ErrorKind = "AlreadyExists"
	UserRejected    ErrorKind = "UserRejected"
	ApprovalTimeout ErrorKind = "ApprovalTimeout"
	CommandTimeout  ErrorKind = "CommandTimeout"
	InvalidAction   ErrorKind = "InvalidAction"
	Cancelled       ErrorKind = "Cancelled"
	Unknown         ErrorKind = "Unknown"
)

// Error is a classified action failure.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or Unknown.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Unknown
}

func newError(kind ErrorKind, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}
