package common

import "errors"

// Gateway error taxonomy. Errors returned by the core wrap one of these, so callers
// match with errors.Is.
var (
	// ErrUnauthorized credential or token is not acceptable
	ErrUnauthorized = errors.New("unauthorized")
	// ErrExpired token was valid but its lifetime has passed
	ErrExpired = errors.New("token expired")
	// ErrConflict entity already exists
	ErrConflict = errors.New("conflict")
	// ErrNotFound entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidSubject subject name is not acceptable
	ErrInvalidSubject = errors.New("invalid subject")
	// ErrPayloadTooLarge payload exceeds the configured limit
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidPayload payload is empty or malformed
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrSlowConsumer subscriber could not keep up with its delivery queue
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrTimeout peer stopped responding
	ErrTimeout = errors.New("timeout")
	// ErrClosed operation on a closed connection or component
	ErrClosed = errors.New("closed")
)
