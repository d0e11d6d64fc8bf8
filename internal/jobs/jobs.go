package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/garnizeh/bountycast/pkg/models"
)

// Job types handled by the worker pool.
const (
	TypeSettlementAward = "settlement.award"
	TypeNotifyPush      = "notify.push"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusRetry   = "retry"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Handler is the function that processes a job
type Handler func(ctx context.Context, j *models.BackgroundJob) error

var (
	// ErrMaxAttempts indicates the job reached max attempts
	ErrMaxAttempts = errors.New("max attempts reached")
	// ErrDuplicateJob is returned when a job with the same dedup key is
	// still pending.
	ErrDuplicateJob = errors.New("job already queued")
)

// SubmitOpts tunes a submitted job. Zero values mean defaults.
type SubmitOpts struct {
	Priority    int
	MaxAttempts int
	DedupKey    string
	Delay       time.Duration
}

// BackoffDuration returns exponential backoff duration for attempt n
func BackoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}
	// base 2^attempt seconds, capped
	d := time.Duration(1<<uint(min(attempt, 16))) * time.Second
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}
