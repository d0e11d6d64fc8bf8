package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/bountycast/internal/db"
	"github.com/garnizeh/bountycast/pkg/repository"
)

// ToggleUpvote runs the whole toggle in one transaction. On Postgres the
// answer row is locked first so concurrent toggles on the same answer are
// serialized; SQLite already serializes writers on its single connection.
func (r *Store) ToggleUpvote(ctx context.Context, answerID, fid int64, at time.Time, debounce time.Duration) (*repository.ToggleResult, error) {
	nowMs := at.UTC().UnixMilli()
	cutoff := nowMs - debounce.Milliseconds()

	var res repository.ToggleResult
	err := r.conn.WithTx(ctx, func(tx *db.Tx) error {
		lock := ``
		if tx.Dialect() == db.DialectPostgres {
			lock = ` FOR UPDATE OF a`
		}
		var (
			status   string
			deadline int64
		)
		err := tx.QueryRow(ctx, `SELECT a.question_id, a.fid, q.status, q.deadline FROM answers a JOIN questions q ON q.id = a.question_id WHERE a.id = ?`+lock, answerID).
			Scan(&res.QuestionID, &res.AnswerAuthor, &status, &deadline)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("load answer: %w", err)
		}
		if status != "open" || nowMs >= deadline {
			return repository.ErrQuestionClosed
		}

		del, err := tx.Exec(ctx, `DELETE FROM upvotes WHERE answer_id = ? AND fid = ? AND created <= ?`, answerID, fid, cutoff)
		if err != nil {
			return fmt.Errorf("delete upvote: %w", err)
		}
		removed, err := del.RowsAffected()
		if err != nil {
			return err
		}
		if removed > 0 {
			res.Action = repository.ActionRemoved
		} else {
			ins, err := tx.Exec(ctx, `INSERT INTO upvotes (answer_id, fid, created) VALUES (?, ?, ?) ON CONFLICT (answer_id, fid) DO NOTHING`, answerID, fid, nowMs)
			if err != nil {
				return fmt.Errorf("insert upvote: %w", err)
			}
			added, err := ins.RowsAffected()
			if err != nil {
				return err
			}
			if added == 0 {
				return repository.ErrDuplicate
			}
			res.Action = repository.ActionAdded
		}

		if _, err := tx.Exec(ctx, `UPDATE answers SET upvotes = (SELECT COUNT(*) FROM upvotes WHERE answer_id = ?) WHERE id = ?`, answerID, answerID); err != nil {
			return fmt.Errorf("recount upvotes: %w", err)
		}
		return tx.QueryRow(ctx, `SELECT upvotes FROM answers WHERE id = ?`, answerID).Scan(&res.Upvotes)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Store) CountUpvotes(ctx context.Context, answerID int64) (int64, error) {
	var n int64
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM upvotes WHERE answer_id = ?`, answerID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
