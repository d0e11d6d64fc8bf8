package sqlstore

import (
	"context"

	"github.com/garnizeh/bountycast/pkg/models"
)

// Every write below is guarded by status = 'open' so that concurrent
// settlers cannot move a question out of a terminal state.

func (r *Store) ListExpiredOpen(ctx context.Context, at, afterID int64, limit int) ([]models.Question, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.listQuestions(ctx, `status = 'open' AND deadline <= ? AND id > ? ORDER BY id ASC LIMIT ?`, at, afterID, limit)
}

func (r *Store) ListPendingAwards(ctx context.Context, afterID int64, limit int) ([]models.Question, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.listQuestions(ctx, `status = 'open' AND pending_tx IS NOT NULL AND id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r *Store) ClaimSettlement(ctx context.Context, id int64, owner string, at, until int64) (bool, error) {
	res, err := r.conn.Exec(ctx, `UPDATE questions SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND status = 'open' AND (lease_until IS NULL OR lease_until < ?)`, owner, until, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *Store) ReleaseSettlement(ctx context.Context, id int64, owner string) error {
	_, err := r.conn.Exec(ctx, `UPDATE questions SET lease_owner = NULL, lease_until = NULL WHERE id = ? AND lease_owner = ?`, id, owner)
	return err
}

func (r *Store) RecordPendingAward(ctx context.Context, id int64, p models.PendingAward) error {
	if p.Submitted == 0 {
		p.Submitted = now()
	}
	_, err := r.conn.Exec(ctx, `UPDATE questions SET pending_tx = ?, pending_winner_fid = ?, pending_answer_id = ?, pending_winner_address = ?, pending_submitted = ?
		WHERE id = ? AND status = 'open'`, p.TxHash, p.WinnerFID, p.AnswerID, p.WinnerAddress, p.Submitted, id)
	return err
}

func (r *Store) ClearPendingAward(ctx context.Context, id int64) error {
	_, err := r.conn.Exec(ctx, `UPDATE questions SET pending_tx = NULL, pending_winner_fid = NULL, pending_answer_id = NULL, pending_winner_address = NULL, pending_submitted = NULL
		WHERE id = ?`, id)
	return err
}

func (r *Store) MarkAwarded(ctx context.Context, id, winnerFID int64, txHash string, at int64) (bool, error) {
	res, err := r.conn.Exec(ctx, `UPDATE questions SET status = 'awarded', winner_fid = ?, award_tx = ?, updated_at = ?,
		lease_owner = NULL, lease_until = NULL,
		pending_tx = NULL, pending_winner_fid = NULL, pending_answer_id = NULL, pending_winner_address = NULL, pending_submitted = NULL
		WHERE id = ? AND status = 'open'`, winnerFID, txHash, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *Store) MarkExpired(ctx context.Context, id int64, reason string, at int64) (bool, error) {
	res, err := r.conn.Exec(ctx, `UPDATE questions SET status = 'expired', close_reason = ?, updated_at = ?,
		lease_owner = NULL, lease_until = NULL
		WHERE id = ? AND status = 'open'`, reason, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
