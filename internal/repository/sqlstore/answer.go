package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/bountycast/internal/db"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository"
)

const answerColumns = `id, question_id, fid, username, address, answer, upvotes, created`

func scanAnswer(sc scanner) (*models.Answer, error) {
	var a models.Answer
	if err := sc.Scan(&a.ID, &a.QuestionID, &a.FID, &a.Username, &a.Address, &a.Answer, &a.Upvotes, &a.Created); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Store) CreateAnswer(ctx context.Context, a *models.Answer) (int64, error) {
	if a == nil {
		return 0, fmt.Errorf("answer is nil")
	}
	if a.Created == 0 {
		a.Created = now()
	}
	var id int64
	err := r.conn.QueryRow(ctx, `INSERT INTO answers (question_id, fid, username, address, answer, upvotes, created) VALUES (?, ?, ?, ?, ?, 0, ?) RETURNING id`,
		a.QuestionID, a.FID, a.Username, a.Address, a.Answer, a.Created).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, repository.ErrDuplicate
		}
		return 0, fmt.Errorf("insert answer: %w", err)
	}
	a.ID = id
	return id, nil
}

func (r *Store) GetAnswer(ctx context.Context, id int64) (*models.Answer, error) {
	a, err := scanAnswer(r.conn.QueryRow(ctx, `SELECT `+answerColumns+` FROM answers WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (r *Store) ListAnswers(ctx context.Context, questionID int64) ([]models.Answer, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+answerColumns+` FROM answers WHERE question_id = ? ORDER BY upvotes DESC, id ASC`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Answer{}
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *Store) HasAnswered(ctx context.Context, questionID, fid int64) (bool, error) {
	var n int64
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM answers WHERE question_id = ? AND fid = ?`, questionID, fid).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
