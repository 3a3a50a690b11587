// Package turbineerr defines the typed error taxonomy shared by every
// runtime subsystem (config, container, network, filesystem, process,
// security, runtime, io, serialization).
package turbineerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the subsystem that raised it.
type Kind string

const (
	KindConfig        Kind = "config"
	KindContainer     Kind = "container"
	KindNetwork       Kind = "network"
	KindFilesystem    Kind = "filesystem"
	KindProcess       Kind = "process"
	KindSecurity      Kind = "security"
	KindRuntime       Kind = "runtime"
	KindIO            Kind = "io"
	KindSerialization Kind = "serialization"
)

// maxStderr bounds how much raw command stderr Security/Network errors may
// carry, per the error handling design.
const maxStderr = 1024

// Error is the single error type every manager returns. It carries a Kind
// so callers can branch with errors.As without the Orchestrator having to
// reclassify anything a manager already typed correctly.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a bare error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a bare error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Wrapf attaches a kind and formatted message to an underlying error.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// TruncateStderr clips command stderr to the 1 KiB ceiling Security and
// Network errors are allowed to carry.
func TruncateStderr(stderr string) string {
	if len(stderr) <= maxStderr {
		return stderr
	}
	return stderr[:maxStderr] + "...(truncated)"
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
