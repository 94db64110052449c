package engine

import (
	"fmt"
	"time"
)

// PolicyDeniedError rejects an order before any row is written: no policy
// matches the requested domains, or the matched policy forbids the request.
type PolicyDeniedError struct {
	Domain string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied for %s: %s", e.Domain, e.Reason)
}

// RateLimitedError surfaces an upstream rateLimited rejection. RetryAfter is
// zero when the CA did not send a Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
	Detail     string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limited (retry after %s): %s", e.RetryAfter, e.Detail)
	}
	return fmt.Sprintf("upstream rate limited: %s", e.Detail)
}

// UpstreamProtocolError is a non-rate-limit upstream rejection or a
// malformed upstream response.
type UpstreamProtocolError struct {
	Detail string
	Err    error
}

func (e *UpstreamProtocolError) Error() string {
	return fmt.Sprintf("upstream protocol error: %s", e.Detail)
}

func (e *UpstreamProtocolError) Unwrap() error { return e.Err }

// ChallengeValidationError is a definitive challenge failure: the CA checked
// the record or response and rejected it.
type ChallengeValidationError struct {
	Domain string
	Detail string
}

func (e *ChallengeValidationError) Error() string {
	return fmt.Sprintf("challenge validation failed for %s: %s", e.Domain, e.Detail)
}

// CorrelationError means an upstream authorization URL could not be resolved
// to exactly one local order. Both zero and multiple matches fail closed.
type CorrelationError struct {
	AuthzURL string
	Matches  int
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("authorization %s matched %d orders, want exactly 1", e.AuthzURL, e.Matches)
}

// OrderNotReadyError rejects an operation the order's current state does not
// permit, such as finalizing before every authorization is valid.
type OrderNotReadyError struct {
	OrderID string
	Status  string
}

func (e *OrderNotReadyError) Error() string {
	return fmt.Sprintf("order %s is %s", e.OrderID, e.Status)
}

// OrderBusyError means another goroutine holds the order's lock.
type OrderBusyError struct {
	OrderID string
}

func (e *OrderBusyError) Error() string {
	return fmt.Sprintf("order %s is already being processed", e.OrderID)
}
