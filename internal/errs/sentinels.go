// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across api/engine/store layers.
var (
	// ErrNotFound indicates the referenced entity does not exist (stale reference).
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the session is not (or no longer) authenticated.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the principal lacks the capability for the action.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation indicates rejected input (client-side or HTTP 400).
	ErrValidation = errors.New("validation")

	// ErrConflict indicates the server refused a write because of concurrent state.
	ErrConflict = errors.New("conflict")

	// ErrRateLimited indicates too many attempts in a short period (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrServer indicates an unexpected server-side failure (5xx).
	ErrServer = errors.New("server error")

	// ErrNetwork indicates the request never got a response.
	ErrNetwork = errors.New("network unreachable")

	// ErrInvalidTransition indicates a status change not allowed by the RMA graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStale indicates a response superseded by a newer completed transition.
	ErrStale = errors.New("stale response")

	// ErrTicket indicates a missing, expired or already used delete confirmation.
	ErrTicket = errors.New("invalid confirmation ticket")

	// ErrNotConnected indicates the push channel is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrReconnectExhausted indicates automatic reconnection gave up.
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
)
