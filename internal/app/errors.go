package app

import "errors"

// Classified errors returned by the state machine operations. Callers decide
// how to surface them; none of these leaves a request partially updated.
var (
	// ErrInvalidState means the attempted transition is not legal from the
	// request's current state.
	ErrInvalidState = errors.New("transition is not legal from the current state")

	// ErrAlreadyDecided means the request is in a terminal state and accepts
	// no further transitions.
	ErrAlreadyDecided = errors.New("verification request is already decided")

	// ErrInvalidAssertion means the supplied OAuth assertion failed
	// validation (malformed, expired, wrong audience or issuer).
	ErrInvalidAssertion = errors.New("identity assertion failed validation")

	// ErrAssertionRejected means the assertion was declined by policy; the
	// request is unchanged and the caller may retry.
	ErrAssertionRejected = errors.New("identity assertion rejected")

	// ErrIdentityConflict means the identity or student number already maps
	// to an existing trusted record.
	ErrIdentityConflict = errors.New("identity is already bound to a trusted record")

	// ErrUnauthorized means the acting reviewer is not registered for the
	// request's guild.
	ErrUnauthorized = errors.New("reviewer is not authorized for this guild")
)
