package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/bountycast/internal/db"
	"github.com/garnizeh/bountycast/pkg/models"
)

// Repository persists jobs in the jobs table. Times are stored as unix
// milliseconds.
type Repository struct {
	db *db.DB
}

func NewRepository(d *db.DB) *Repository { return &Repository{db: d} }

// Enqueue inserts a job into the jobs table and returns the new ID. A job
// whose DedupKey matches a pending job is rejected with ErrDuplicateJob.
func (r *Repository) Enqueue(ctx context.Context, j *models.BackgroundJob) (int64, error) {
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	if j.Priority == 0 {
		j.Priority = 100
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	var dedup any
	if j.DedupKey != "" {
		dedup = j.DedupKey
	}
	now := time.Now().UTC().UnixMilli()
	q := `INSERT INTO jobs(type, dedup_key, payload, status, attempts, max_attempts, priority, scheduled_at, created, updated) VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`
	var id int64
	err := r.db.QueryRow(ctx, q, j.Type, dedup, string(j.Payload), StatusQueued, j.Attempts, j.MaxAttempts, j.Priority, j.ScheduledAt.UTC().UnixMilli(), now, now).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, ErrDuplicateJob
		}
		return 0, fmt.Errorf("enqueue failed: %w", err)
	}
	j.ID = id
	j.Status = StatusQueued
	return id, nil
}

// Submit marshals payload and enqueues a job of type typ.
func (r *Repository) Submit(ctx context.Context, typ string, payload any, o SubmitOpts) (int64, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	j := &models.BackgroundJob{
		Type:        typ,
		DedupKey:    o.DedupKey,
		Payload:     b,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		ScheduledAt: time.Now().Add(o.Delay),
	}
	return r.Enqueue(ctx, j)
}

const jobColumns = `id, type, dedup_key, payload, status, attempts, max_attempts, priority, scheduled_at, next_try_at, last_error, created, updated`

func scanJob(row *sql.Row) (*models.BackgroundJob, error) {
	var (
		j           models.BackgroundJob
		dedup       sql.NullString
		payload     sql.NullString
		scheduledAt int64
		nextTry     sql.NullInt64
		lastError   sql.NullString
		created     int64
		updated     int64
	)
	if err := row.Scan(&j.ID, &j.Type, &dedup, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Priority, &scheduledAt, &nextTry, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	j.DedupKey = dedup.String
	j.ScheduledAt = time.UnixMilli(scheduledAt)
	j.Created = time.UnixMilli(created)
	j.Updated = time.UnixMilli(updated)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if nextTry.Valid {
		t := time.UnixMilli(nextTry.Int64)
		j.NextTryAt = &t
	}
	j.LastError = lastError.String
	return &j, nil
}

// Get returns a job by id, or nil when it does not exist.
func (r *Repository) Get(ctx context.Context, id int64) (*models.BackgroundJob, error) {
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// FetchNext claims the next available job respecting priority and schedule.
// The claim is a compare-and-swap on status so two workers never run the
// same job.
func (r *Repository) FetchNext(ctx context.Context) (*models.BackgroundJob, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE (status = 'queued' OR status = 'retry') AND (next_try_at IS NULL OR next_try_at <= ?) AND scheduled_at <= ? ORDER BY priority ASC, scheduled_at ASC, id ASC LIMIT 1`
	for attempt := 0; attempt < 3; attempt++ {
		now := time.Now().UTC().UnixMilli()
		j, err := scanJob(r.db.QueryRow(ctx, q, now, now))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("fetch next job: %w", err)
		}
		res, err := r.db.Exec(ctx, `UPDATE jobs SET status = ?, updated = ? WHERE id = ? AND status = ?`, StatusRunning, now, j.ID, j.Status)
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", j.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			j.Status = StatusRunning
			return j, nil
		}
	}
	return nil, nil
}

// UpdateJob updates attempts, status, next_try_at, last_error. Finished jobs
// release their dedup key so the same work can be queued again later.
func (r *Repository) UpdateJob(ctx context.Context, j *models.BackgroundJob) error {
	var nextTry any
	if j.NextTryAt != nil {
		nextTry = j.NextTryAt.UTC().UnixMilli()
	}
	q := `UPDATE jobs SET status = ?, attempts = ?, next_try_at = ?, last_error = ?, updated = ? WHERE id = ?`
	if j.Status == StatusDone || j.Status == StatusFailed {
		q = `UPDATE jobs SET status = ?, attempts = ?, next_try_at = ?, last_error = ?, updated = ?, dedup_key = NULL WHERE id = ?`
	}
	_, err := r.db.Exec(ctx, q, j.Status, j.Attempts, nextTry, j.LastError, time.Now().UTC().UnixMilli(), j.ID)
	return err
}

// MoveToDeadLetter moves a job to dead_letter_jobs and deletes the original
func (r *Repository) MoveToDeadLetter(ctx context.Context, j *models.BackgroundJob) error {
	return r.db.WithTx(ctx, func(tx *db.Tx) error {
		insert := `INSERT INTO dead_letter_jobs(job_id, type, payload, attempts, last_error, failed_at) VALUES(?,?,?,?,?,?)`
		if _, err := tx.Exec(ctx, insert, j.ID, j.Type, string(j.Payload), j.Attempts, j.LastError, time.Now().UTC().UnixMilli()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = ?`, j.ID)
		return err
	})
}

// RequeueStale returns jobs stuck in running for longer than olderThan to the
// retry state, for example after a crash.
func (r *Repository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	res, err := r.db.Exec(ctx, `UPDATE jobs SET status = ?, updated = ? WHERE status = ? AND updated < ?`,
		StatusRetry, now.UnixMilli(), StatusRunning, now.Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountDeadLetters returns the number of jobs that exhausted their attempts.
func (r *Repository) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_jobs`).Scan(&n)
	return n, err
}
