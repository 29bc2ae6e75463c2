package redis

import "errors"

var (
	// ErrClientRequired is returned when a nil client is provided.
	ErrClientRequired = errors.New("outbox redis: client is required")
	// ErrMalformedClaim is returned when a stored claim cannot be decoded.
	ErrMalformedClaim = errors.New("outbox redis: malformed claim")
)
