package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so that callers and users can tell a broken
// strategy from broken data or a bad request.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindStrategyLoad  ErrorKind = "strategy_load"
	KindRuntimeFault  ErrorKind = "runtime_fault"
	KindData          ErrorKind = "data"
	KindConfiguration ErrorKind = "configuration"
)

// Error is a classified error. Msg is the complete human-readable message;
// Err is kept for errors.Is/As.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Msg }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error. A %w verb in format is honoured.
func Errorf(kind ErrorKind, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err)}
}

// Wrap classifies err, prefixing it with msg. Already classified errors keep
// their kind.
func Wrap(kind ErrorKind, msg string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return &Error{Kind: de.Kind, Msg: msg + ": " + de.Msg, Err: err}
	}
	return &Error{Kind: kind, Msg: msg + ": " + err.Error(), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindRuntimeFault when err is unclassified.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindRuntimeFault
}

// Failure is the structured reason persisted with a failed job.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// FailureOf converts err into a Failure suitable for display.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return &Failure{Kind: de.Kind, Message: de.Msg}
	}
	return &Failure{Kind: KindRuntimeFault, Message: err.Error()}
}
