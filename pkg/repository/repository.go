package repository

import (
	"context"
	"errors"
	"time"

	"github.com/garnizeh/bountycast/pkg/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.
// Single-row lookups return (nil, nil) when the row does not exist.

var (
	// ErrDuplicate is returned when a uniqueness guard rejects a write.
	ErrDuplicate = errors.New("duplicate")
	// ErrNotFound is returned by compound operations whose target is missing.
	ErrNotFound = errors.New("not found")
	// ErrQuestionClosed is returned when a write requires an open question
	// that is past its deadline or already settled.
	ErrQuestionClosed = errors.New("question closed")
)

type QuestionRepo interface {
	CreateQuestion(ctx context.Context, q *models.Question) (int64, error)
	GetQuestion(ctx context.Context, id int64) (*models.Question, error)
	ListQuestions(ctx context.Context, f models.QuestionFilter) ([]models.QuestionView, error)
	CountQuestionsByAuthor(ctx context.Context, fid int64) (int64, error)
	// EditQuestion replaces the body once, keeping the first body in
	// original_question. It reports false when the row was already edited,
	// is not owned by fid, or is no longer open.
	EditQuestion(ctx context.Context, id, fid int64, body, category string, tags []string, now int64) (bool, error)
	ListAwarded(ctx context.Context) ([]models.Question, error)
	ListAwardedByWinner(ctx context.Context, fid int64) ([]models.Question, error)
}

// SettlementRepo holds the conditional writes that drive a question from
// open to a terminal state. Each write succeeds only while status is open.
type SettlementRepo interface {
	// ListExpiredOpen and ListPendingAwards page by id: they return up to
	// limit rows with id greater than afterID, in id order.
	ListExpiredOpen(ctx context.Context, now, afterID int64, limit int) ([]models.Question, error)
	ListPendingAwards(ctx context.Context, afterID int64, limit int) ([]models.Question, error)
	ClaimSettlement(ctx context.Context, id int64, owner string, now int64, until int64) (bool, error)
	ReleaseSettlement(ctx context.Context, id int64, owner string) error
	RecordPendingAward(ctx context.Context, id int64, p models.PendingAward) error
	ClearPendingAward(ctx context.Context, id int64) error
	MarkAwarded(ctx context.Context, id, winnerFID int64, txHash string, now int64) (bool, error)
	MarkExpired(ctx context.Context, id int64, reason string, now int64) (bool, error)
}

type AnswerRepo interface {
	// CreateAnswer returns ErrDuplicate when fid already answered.
	CreateAnswer(ctx context.Context, a *models.Answer) (int64, error)
	GetAnswer(ctx context.Context, id int64) (*models.Answer, error)
	// ListAnswers orders by upvotes DESC, id ASC.
	ListAnswers(ctx context.Context, questionID int64) ([]models.Answer, error)
	HasAnswered(ctx context.Context, questionID, fid int64) (bool, error)
}

// ToggleResult describes the outcome of an upvote toggle.
type ToggleResult struct {
	Action       string
	Upvotes      int64
	QuestionID   int64
	AnswerAuthor int64
}

const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

type UpvoteRepo interface {
	// ToggleUpvote removes an existing vote older than debounce, or adds
	// one, and recomputes the cached counter in the same transaction.
	// A vote younger than debounce yields ErrDuplicate. ErrNotFound and
	// ErrQuestionClosed report a missing answer or a closed question.
	ToggleUpvote(ctx context.Context, answerID, fid int64, now time.Time, debounce time.Duration) (*ToggleResult, error)
	CountUpvotes(ctx context.Context, answerID int64) (int64, error)
}

type CommentRepo interface {
	CreateComment(ctx context.Context, c *models.Comment) (int64, error)
	ListComments(ctx context.Context, answerID int64) ([]models.Comment, error)
}

type NotificationRepo interface {
	CreateNotification(ctx context.Context, n *models.Notification) (int64, error)
	ListNotifications(ctx context.Context, fid int64, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, fid int64, ids []int64) (int64, error)
	UpsertToken(ctx context.Context, t *models.NotificationToken) error
	GetToken(ctx context.Context, fid int64) (*models.NotificationToken, error)
	DeleteToken(ctx context.Context, fid int64) error
}

// Store is the full persistence surface.
type Store interface {
	QuestionRepo
	SettlementRepo
	AnswerRepo
	UpvoteRepo
	CommentRepo
	NotificationRepo
}
