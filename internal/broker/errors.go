package broker

import "errors"

var (
	// ErrTooManySessions is returned by CreateSession when the configured
	// session quota is exhausted.
	ErrTooManySessions = errors.New("too many sessions")
)
