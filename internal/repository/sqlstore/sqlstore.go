// Package sqlstore implements the repository interfaces over internal/db for
// both SQLite and Postgres. Queries use ? placeholders and are rebound by the
// DB wrapper.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/garnizeh/bountycast/internal/db"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository"
)

// Store implements repository.Store using the internal DB wrapper.
type Store struct {
	conn   *db.DB
	logger *slog.Logger
}

var _ repository.Store = (*Store)(nil)

func New(conn *db.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Store{conn: conn, logger: logger}
}

// DB exposes the wrapped connection for callers that share it, such as the
// job queue.
func (s *Store) DB() *db.DB { return s.conn }

func now() int64 {
	return time.Now().UTC().UnixMilli()
}

const questionColumns = `id, fid, username, address, question, bounty, token, created, deadline, onchain_id, status,
	winner_fid, close_reason, award_tx, category, tags, is_private, original_question, updated_at,
	pending_tx, pending_winner_fid, pending_answer_id, pending_winner_address, pending_submitted`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(sc scanner, extra ...any) (*models.Question, error) {
	var (
		q                                           models.Question
		status                                      string
		winnerFID, updated                          sql.NullInt64
		closeReason, awardTx, category, tags, orig  sql.NullString
		pendingTx, pendingAddr                      sql.NullString
		pendingWinner, pendingAnswer, pendingSubmit sql.NullInt64
	)
	dest := []any{
		&q.ID, &q.FID, &q.Username, &q.Address, &q.Question, &q.Bounty, &q.Token, &q.Created, &q.Deadline, &q.OnchainID, &status,
		&winnerFID, &closeReason, &awardTx, &category, &tags, &q.IsPrivate, &orig, &updated,
		&pendingTx, &pendingWinner, &pendingAnswer, &pendingAddr, &pendingSubmit,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	q.Status = models.QuestionStatus(status)
	if winnerFID.Valid {
		v := winnerFID.Int64
		q.WinnerFID = &v
	}
	q.CloseReason = closeReason.String
	q.AwardTx = awardTx.String
	q.Category = category.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &q.Tags); err != nil {
			return nil, err
		}
	}
	if orig.Valid {
		v := orig.String
		q.OriginalQuestion = &v
	}
	q.Updated = updated.Int64
	if pendingTx.Valid && pendingTx.String != "" {
		q.Pending = &models.PendingAward{
			TxHash:        pendingTx.String,
			WinnerFID:     pendingWinner.Int64,
			AnswerID:      pendingAnswer.Int64,
			WinnerAddress: pendingAddr.String,
			Submitted:     pendingSubmit.Int64,
		}
	}
	return &q, nil
}

func encodeTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
