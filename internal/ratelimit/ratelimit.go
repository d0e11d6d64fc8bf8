// Package ratelimit provides fixed-window request limiting keyed by an
// arbitrary string, with an in-process backend and a Redis backend shared
// across instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/garnizeh/bountycast/internal/apperr"
)

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns how long the caller should wait before the window
// resets, relative to now.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Limiter counts a hit against key and reports whether it fits within
// limit hits per window.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Rule names one limited action.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Key builds the counter key for rule and subject.
func (r Rule) Key(subject int64) string {
	return fmt.Sprintf("rl:%s:%d", r.Name, subject)
}

// Enforce checks rule for subject and converts a denial into a RateLimit
// error. Backend failures are returned as-is so callers can decide to let
// the request through.
func Enforce(ctx context.Context, l Limiter, rule Rule, subject int64) error {
	if l == nil || rule.Limit <= 0 {
		return nil
	}
	res, err := l.Check(ctx, rule.Key(subject), rule.Limit, rule.Window)
	if err != nil {
		return fmt.Errorf("rate limit check %s: %w", rule.Name, err)
	}
	if !res.Allowed {
		return apperr.RateLimited(res.RetryAfter(time.Now()))
	}
	return nil
}
