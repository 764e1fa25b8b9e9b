// Package hints labels errors that report an expected, non-fatal outcome
// (the viewer was closed with Ctrl-C, a source had nothing to mirror) so
// callers can tell them apart from real failures without importing the
// producer's sentinel errors.
package hints

import (
	"errors"
	"fmt"
)

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}

func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New returns a hint carrying msg.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Newf is New with formatting. %w verbs are honored.
func Newf(format string, args ...any) error {
	return &hintErr{err: fmt.Errorf(format, args...)}
}

// Wrap marks err as a hint. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint reports whether any error in the chain is a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is reports whether err is a hint and matches target.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
