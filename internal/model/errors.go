package model

import (
	"context"
	"errors"
)

var (
	// Platform-scoped failures. They degrade one PlatformOutcome only.
	ErrAuthentication = errors.New("platform authentication failed")
	ErrUnreachable    = errors.New("platform unreachable")
	ErrRateLimited    = errors.New("platform rate limited")
	ErrTimeout        = errors.New("platform timed out")

	// Item-scoped failures.
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("unresolved conflict")

	// Run-scoped failures.
	ErrConfiguration = errors.New("invalid sync configuration")
	ErrCancelled     = errors.New("sync cancelled")

	ErrNotFound = errors.New("not found")
)

// Reason codes exposed in outcomes and item failures.
const (
	ReasonAuthentication = "authentication"
	ReasonUnreachable    = "unreachable"
	ReasonRateLimited    = "rate_limited"
	ReasonTimeout        = "timeout"
	ReasonValidation     = "validation"
	ReasonConflict       = "conflict"
	ReasonConfiguration  = "configuration"
	ReasonCancelled      = "cancelled"
	ReasonUnknown        = "unknown"
)

// ReasonCodeOf classifies err into one of the Reason* codes.
func ReasonCodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return ReasonAuthentication
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrUnreachable):
		return ReasonUnreachable
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrConfiguration):
		return ReasonConfiguration
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonUnknown
	}
}
