// Package fault carries the error taxonomy shared by the capture, recorder,
// model, and transcription components. Wrapping an error with a Kind keeps
// the failure category intact across package boundaries and onto the wire.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	Permission   Kind = "permission"
	Device       Kind = "device"
	IllegalState Kind = "illegal_state"
	Network      Kind = "network"
	Integrity    Kind = "integrity"
	Inference    Kind = "inference"
	Cancelled    Kind = "cancelled"
	Unknown      Kind = "unknown"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a Kind-tagged error with a fixed message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Errorf returns a Kind-tagged error with a formatted message. The %w verb
// works as in fmt.Errorf.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err returns nil. An err already tagged
// keeps its original kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the Kind of err. Context cancellation and deadline errors
// classify as Cancelled; untagged errors classify as Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
