package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrPaymentRequired means the provider account ran out of its own
	// quota. Never retried; the batch is dead-lettered.
	ErrPaymentRequired = errors.New("provider payment required")
	// ErrRateLimited means 429 survived all retries.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrBatchNotFound means the provider no longer knows the batch id.
	ErrBatchNotFound = errors.New("provider batch not found")
)

// APIError carries a non-2xx provider response that has no sentinel.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Body)
}
