package upstream

import (
	"errors"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when the upstream credential is missing.
	// This is a recoverable configuration error: the client keeps its
	// session and may retry once the credential is set.
	ErrNoAPIKey = errors.New("upstream: API key required")

	// ErrClosed is returned when writing to a closed client.
	ErrClosed = errors.New("upstream: connection closed")
)
