// Package hints marks errors that are not really failures: a user declining
// a recovery prompt, or any other outcome where a process should stop
// without logging a fatal error or exiting nonzero. Callers check IsHint
// instead of comparing against a sentinel imported from the producing
// package.
package hints

import "errors"

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

// New creates a hint error from a message, e.g. a declined confirmation
// prompt.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// IsHint reports whether err, or anything it wraps, is a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}
