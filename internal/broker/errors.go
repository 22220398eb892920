package broker

import "errors"

var (
	// ErrNoSlotsAvailable is returned by Acquire when every slot in the pool is taken.
	// Callers must re-request later; it is never retried internally.
	ErrNoSlotsAvailable = errors.New("no slots available")

	// ErrUnknownSession is returned when a token is not registered (never issued,
	// already released, or past its lifetime).
	ErrUnknownSession = errors.New("unknown session")
)
