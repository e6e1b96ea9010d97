// Package sandboxerr defines the error kinds surfaced by the sandbox lifecycle.
package sandboxerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInitFailure Kind = iota + 1
	KindRunFailure
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindInitFailure:
		return "init failure"
	case KindRunFailure:
		return "run failure"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInitFailure = &Error{Kind: KindInitFailure}
	ErrRunFailure  = &Error{Kind: KindRunFailure}
	ErrIO          = &Error{Kind: KindIO}
)

// Error carries a kind, a human readable message and the underlying cause, if any.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func InitFailure(msg string, err error) error {
	return &Error{Kind: KindInitFailure, Msg: msg, Err: err}
}

func RunFailure(msg string, err error) error {
	return &Error{Kind: KindRunFailure, Msg: msg, Err: err}
}

func IO(msg string, err error) error {
	return &Error{Kind: KindIO, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
