package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidOwner    = errors.New("owner id is required")
	ErrInvalidName     = errors.New("name must be 1-100 characters")
	ErrInvalidMetadata = errors.New("invalid metadata")
	ErrRateLimited     = errors.New("token issuance rate limit exceeded")
	ErrQuotaExceeded   = errors.New("active token limit reached")
	ErrNotFound        = errors.New("token not found")
	ErrIssueFailed     = errors.New("could not issue token")
)

// RateLimitError is returned by Issue when the owner has used every
// issuance slot in the current window. It matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
