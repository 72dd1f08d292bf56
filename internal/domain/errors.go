package domain

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrKeyNotFound        = errors.New("api key not found")
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrNoSubscription     = errors.New("no active subscription")
	ErrUnknownAction      = errors.New("unknown action")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrModelAccessDenied  = errors.New("model access denied for tier")
	ErrQuotaExceeded      = errors.New("monthly quota exceeded")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrProviderError      = errors.New("provider error")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)
