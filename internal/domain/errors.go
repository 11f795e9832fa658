package domain

import "errors"

// Common domain errors
var (
	// Validation errors: surfaced to the originating connection only,
	// never broadcast.
	ErrEmptyText    = errors.New("text cannot be empty")
	ErrTextTooLong  = errors.New("text exceeds 500 characters")
	ErrInvalidID    = errors.New("invalid ID format")
	ErrInvalidEmoji = errors.New("invalid emoji")

	// Rate limiting: sender-only error, no broadcast.
	ErrRateLimited = errors.New("rate limit exceeded")

	// Matching errors
	ErrEmbedUnavailable = errors.New("embedding provider unavailable")
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// Persistence errors
	ErrNotFound    = errors.New("resource not found")
	ErrPersistence = errors.New("persistence unavailable")

	// Coordination errors
	ErrBusUnavailable = errors.New("coordination bus unavailable")

	ErrMaintenance = errors.New("maintenance mode")
)
