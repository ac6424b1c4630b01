// Package errdefs defines the error kinds shared across the runtime and the
// stage tagging used to surface "Failed at '<stage>'" messages to callers.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that branch on failure class rather
// than message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPreconditionFailed
	KindTimeout
	KindTransient
	KindUpstream
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindPreconditionFailed:
		return "precondition failed"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindUpstream:
		return "upstream"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Use the constructors below rather than
// building one directly.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, NotFound("")) style checks work
// against any error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func AlreadyExists(format string, args ...any) *Error {
	return &Error{Kind: KindAlreadyExists, Msg: fmt.Sprintf(format, args...)}
}

func PreconditionFailed(format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Msg: fmt.Sprintf(format, args...)}
}

func Timeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Msg: fmt.Sprintf(format, args...)}
}

func Transient(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Upstream(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Fatal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StageError tags an error with the pipeline stage it failed at, e.g.
// "Push branch" or "Create draft PR".
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("Failed at '%s': %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// AtStage wraps err with a stage tag. Returns nil when err is nil.
func AtStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the innermost stage tag on err, or "" when untagged.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
