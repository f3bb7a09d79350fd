// Package snerr defines the sentinel errors shared across the capture core.
// Callers classify failures with errors.Is and map them to protocol-specific
// rejections (HTTP status codes, DNS rcodes, SMTP reply codes).
package snerr

import "errors"

var (
	// ErrNotFound indicates an unknown subdomain or destroyed session.
	ErrNotFound = errors.New("session not found")

	// ErrUnauthorized indicates a missing, mismatched, or expired token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCapacityExceeded indicates the live-session limit has been reached.
	// The message is part of the API contract and surfaced verbatim.
	ErrCapacityExceeded = errors.New("Maximum number of sessions reached")

	// ErrPayloadTooLarge indicates a request body, mail body, or blob over
	// its configured cap.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedFrame indicates unparseable protocol input.
	ErrMalformedFrame = errors.New("malformed protocol frame")

	// ErrResourceExhausted indicates no free TCP ports or too many subdomain
	// generation collisions.
	ErrResourceExhausted = errors.New("resource exhausted")
)
