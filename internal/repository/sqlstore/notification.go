package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/bountycast/pkg/models"
)

func (r *Store) CreateNotification(ctx context.Context, n *models.Notification) (int64, error) {
	if n == nil {
		return 0, fmt.Errorf("notification is nil")
	}
	if n.Created == 0 {
		n.Created = now()
	}
	var id int64
	err := r.conn.QueryRow(ctx, `INSERT INTO notifications (user_fid, type, question_id, answer_id, from_fid, message, read, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		n.UserFID, string(n.Type), nullInt(n.QuestionID), nullInt(n.AnswerID), nullInt(n.FromFID), n.Message, false, n.Created).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	n.ID = id
	return id, nil
}

func (r *Store) ListNotifications(ctx context.Context, fid int64, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn.QueryRows(ctx, `SELECT id, user_fid, type, question_id, answer_id, from_fid, message, read, created_at
		FROM notifications WHERE user_fid = ? ORDER BY created_at DESC, id DESC LIMIT ?`, fid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Notification{}
	for rows.Next() {
		var (
			n                         models.Notification
			typ                       string
			questionID, answerID, frm sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.UserFID, &typ, &questionID, &answerID, &frm, &n.Message, &n.Read, &n.Created); err != nil {
			return nil, err
		}
		n.Type = models.NotificationType(typ)
		if questionID.Valid {
			v := questionID.Int64
			n.QuestionID = &v
		}
		if answerID.Valid {
			v := answerID.Int64
			n.AnswerID = &v
		}
		if frm.Valid {
			v := frm.Int64
			n.FromFID = &v
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags the given notifications of fid as read and returns how many
// rows changed. Ids belonging to other users are ignored.
func (r *Store) MarkRead(ctx context.Context, fid int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, true, fid)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := r.conn.Exec(ctx, `UPDATE notifications SET read = ? WHERE user_fid = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Store) UpsertToken(ctx context.Context, t *models.NotificationToken) error {
	if t == nil {
		return fmt.Errorf("token is nil")
	}
	if t.Updated == 0 {
		t.Updated = now()
	}
	_, err := r.conn.Exec(ctx, `INSERT INTO user_notification_tokens (fid, url, token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (fid) DO UPDATE SET url = excluded.url, token = excluded.token, updated_at = excluded.updated_at`,
		t.FID, t.URL, t.Token, t.Updated)
	return err
}

func (r *Store) GetToken(ctx context.Context, fid int64) (*models.NotificationToken, error) {
	var t models.NotificationToken
	err := r.conn.QueryRow(ctx, `SELECT fid, url, token, updated_at FROM user_notification_tokens WHERE fid = ?`, fid).
		Scan(&t.FID, &t.URL, &t.Token, &t.Updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *Store) DeleteToken(ctx context.Context, fid int64) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM user_notification_tokens WHERE fid = ?`, fid)
	return err
}
