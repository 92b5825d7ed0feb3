package platform

import (
	"errors"
	"fmt"
	"time"

	"github.com/staylytics/funnel-core/internal/models"
)

// CredentialError means the client's stored token is missing or rejected.
// The client is skipped for the rest of the run and flagged degraded; no
// amount of retrying fixes a bad token.
type CredentialError struct {
	ClientID string
	Platform models.Platform
	Reason   string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s credentials rejected for client %s: %s", e.Platform, e.ClientID, e.Reason)
}

// RateLimitError is a transient throttle response from the platform. The
// caller backs off and retries within its bounded attempt budget.
type RateLimitError struct {
	Platform   models.Platform
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Platform, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Platform)
}

// UpstreamError covers 5xx responses, network failures and timeouts.
// Retried with exponential backoff, then surfaced as a failure for that
// client/period only.
type UpstreamError struct {
	Platform models.Platform
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s upstream error: status %d: %v", e.Platform, e.Status, e.Err)
	}
	return fmt.Sprintf("%s upstream error: %v", e.Platform, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsCredential reports whether err is a CredentialError.
func IsCredential(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// IsRateLimit reports whether err is a RateLimitError.
func IsRateLimit(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// Retryable reports whether err is worth another attempt: throttles and
// upstream failures are, credential and schema errors are not.
func Retryable(err error) bool {
	var re *RateLimitError
	var ue *UpstreamError
	return errors.As(err, &re) || errors.As(err, &ue)
}

// ErrorKind returns the taxonomy name for err, for tallies and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCredential(err):
		return "credential"
	case IsRateLimit(err):
		return "rate_limit"
	case models.IsSchemaMismatch(err):
		return "schema_mismatch"
	default:
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return "upstream"
		}
		return "internal"
	}
}
