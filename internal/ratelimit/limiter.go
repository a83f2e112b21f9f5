package ratelimit

import "context"

// RateLimiter caps outbound throughput per WhatsApp instance. It is a
// deployment-wide ceiling shared by every concurrent batch on the same
// instance, layered under the per-batch randomized throttle delay.
type RateLimiter interface {
	Allow(ctx context.Context, instance string) (bool, error)
	Wait(ctx context.Context, instance string) error
}
