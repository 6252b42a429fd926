package ratelimit

import "context"

// Scopes throttled against external gateways.
const (
	ScopePush = "push"
	ScopeSMS  = "sms"
)

// RateLimiter bounds outbound calls per scope across all workers.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}
