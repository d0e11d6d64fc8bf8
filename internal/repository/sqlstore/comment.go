package sqlstore

import (
	"context"
	"fmt"

	"github.com/garnizeh/bountycast/pkg/models"
)

func (r *Store) CreateComment(ctx context.Context, c *models.Comment) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("comment is nil")
	}
	if c.Created == 0 {
		c.Created = now()
	}
	var id int64
	err := r.conn.QueryRow(ctx, `INSERT INTO comments (answer_id, fid, username, address, comment, created_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		c.AnswerID, c.FID, c.Username, c.Address, c.Comment, c.Created).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	c.ID = id
	return id, nil
}

func (r *Store) ListComments(ctx context.Context, answerID int64) ([]models.Comment, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT id, answer_id, fid, username, address, comment, created_at FROM comments WHERE answer_id = ? ORDER BY created_at ASC, id ASC`, answerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Comment{}
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.AnswerID, &c.FID, &c.Username, &c.Address, &c.Comment, &c.Created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
