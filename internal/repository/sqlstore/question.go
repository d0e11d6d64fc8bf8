package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/bountycast/pkg/models"
)

func (r *Store) CreateQuestion(ctx context.Context, q *models.Question) (int64, error) {
	if q == nil {
		return 0, fmt.Errorf("question is nil")
	}
	if q.Created == 0 {
		q.Created = now()
	}
	if q.Status == "" {
		q.Status = models.StatusOpen
	}
	if q.Token == "" {
		q.Token = "ETH"
	}
	tags, err := encodeTags(q.Tags)
	if err != nil {
		return 0, err
	}
	var category any
	if q.Category != "" {
		category = q.Category
	}

	var id int64
	err = r.conn.QueryRow(ctx, `INSERT INTO questions (fid, username, address, question, bounty, token, created, deadline, onchain_id, status, category, tags, is_private)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		q.FID, q.Username, q.Address, q.Question, q.Bounty, q.Token, q.Created, q.Deadline, q.OnchainID, string(q.Status), category, tags, q.IsPrivate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert question: %w", err)
	}
	q.ID = id
	return id, nil
}

func (r *Store) GetQuestion(ctx context.Context, id int64) (*models.Question, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return q, nil
}

func orderClause(sort string) string {
	switch sort {
	case models.SortOldest:
		return `created ASC, id ASC`
	case models.SortHighestBounty:
		return `CAST(bounty AS DOUBLE PRECISION) DESC, id DESC`
	case models.SortExpiringSoon:
		return `CASE WHEN status = 'open' THEN 0 ELSE 1 END, deadline ASC, id ASC`
	default:
		return `created DESC, id DESC`
	}
}

func (r *Store) ListQuestions(ctx context.Context, f models.QuestionFilter) ([]models.QuestionView, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if s := strings.TrimSpace(f.Search); s != "" {
		where = append(where, `LOWER(question) LIKE ?`)
		args = append(args, "%"+strings.ToLower(s)+"%")
	}
	if f.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, f.Category)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if f.AuthorFID != 0 {
		where = append(where, `fid = ?`)
		args = append(args, f.AuthorFID)
	}

	q := `SELECT ` + questionColumns + `, (SELECT COUNT(*) FROM answers a WHERE a.question_id = questions.id) FROM questions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY ` + orderClause(f.Sort) + ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.conn.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.QuestionView{}
	for rows.Next() {
		var count int64
		qq, err := scanQuestion(rows, &count)
		if err != nil {
			return nil, err
		}
		out = append(out, models.QuestionView{Question: *qq, AnswerCount: count})
	}
	return out, rows.Err()
}

func (r *Store) CountQuestionsByAuthor(ctx context.Context, fid int64) (int64, error) {
	var n int64
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM questions WHERE fid = ?`, fid).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Store) EditQuestion(ctx context.Context, id, fid int64, body, category string, tags []string, at int64) (bool, error) {
	encoded, err := encodeTags(tags)
	if err != nil {
		return false, err
	}
	var cat any
	if category != "" {
		cat = category
	}
	res, err := r.conn.Exec(ctx, `UPDATE questions SET original_question = question, question = ?, category = ?, tags = ?, updated_at = ?
		WHERE id = ? AND fid = ? AND original_question IS NULL AND status = 'open'`,
		body, cat, encoded, at, id, fid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Store) listQuestions(ctx context.Context, where string, args ...any) ([]models.Question, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+questionColumns+` FROM questions WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (r *Store) ListAwarded(ctx context.Context) ([]models.Question, error) {
	return r.listQuestions(ctx, `status = 'awarded' AND winner_fid IS NOT NULL ORDER BY id`)
}

func (r *Store) ListAwardedByWinner(ctx context.Context, fid int64) ([]models.Question, error) {
	return r.listQuestions(ctx, `status = 'awarded' AND winner_fid = ? ORDER BY id`, fid)
}
