// Package xerrors builds errors that carry their origin. New, Newf, WithStack
// and Join record a stack, Wrap and Wrapf record the wrapping call site.
// internal/log renders both. All results work with errors.Is and errors.As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked is an error with the stack captured where it was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// wrapped prefixes an error with context and remembers where that happened.
type wrapped struct {
	msg string
	err error
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// stackAt captures the stack of the function depth frames above its caller.
// depth 0 is the function calling stackAt.
func stackAt(depth int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// skip runtime.Callers and stackAt
	return pcs[:runtime.Callers(depth+2, pcs)]
}

// pcAt is stackAt for a single frame.
func pcAt(depth int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(depth+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stackAt(1)}
}

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stackAt(1)}
}

// WithStack attaches the caller's stack to err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackAt(1)}
}

// EnsureTrace is WithStack unless err already carries a stack somewhere in its chain.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var st interface{ StackPCs() []uintptr }
	if errors.As(err, &st) && len(st.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stackAt(1)}
}

// Wrap returns "msg: err" and records the caller. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{msg: msg, err: err, pc: pcAt(1)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{msg: fmt.Sprintf(format, args...), err: err, pc: pcAt(1)}
}

// Join is errors.Join with the caller's stack. Config validation uses it to
// report every problem at once.
func Join(errs ...error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	return &stacked{err: joined, pcs: stackAt(1)}
}
