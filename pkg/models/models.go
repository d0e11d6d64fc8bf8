package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Domain models matching the database schema in db/migrations/<dialect>/0001_init.sql

// QuestionStatus is the lifecycle state of a question. Open is the only
// non-terminal state.
type QuestionStatus string

const (
	StatusOpen    QuestionStatus = "open"
	StatusAwarded QuestionStatus = "awarded"
	StatusExpired QuestionStatus = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s QuestionStatus) Terminal() bool {
	return s == StatusAwarded || s == StatusExpired
}

func (s QuestionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusAwarded, StatusExpired:
		return true
	}
	return false
}

// Close reasons recorded on expired questions.
const (
	ReasonNoAnswers          = "no_answers"
	ReasonWinnerHasNoAddress = "winner_has_no_address"
)

// NoOnchainID marks a question whose escrow has not been confirmed on chain.
const NoOnchainID int64 = -1

type Question struct {
	ID               int64           `json:"id" db:"id"`
	FID              int64           `json:"fid" db:"fid"`
	Username         string          `json:"username" db:"username"`
	Address          string          `json:"address" db:"address"`
	Question         string          `json:"question" db:"question"`
	Bounty           decimal.Decimal `json:"bounty" db:"bounty"`
	Token            string          `json:"token" db:"token"`
	Created          int64           `json:"created" db:"created"`
	Deadline         int64           `json:"deadline" db:"deadline"`
	OnchainID        int64           `json:"onchainId" db:"onchain_id"`
	Status           QuestionStatus  `json:"status" db:"status"`
	WinnerFID        *int64          `json:"winnerFid,omitempty" db:"winner_fid"`
	CloseReason      string          `json:"closeReason,omitempty" db:"close_reason"`
	AwardTx          string          `json:"awardTx,omitempty" db:"award_tx"`
	Category         string          `json:"category,omitempty" db:"category"`
	Tags             []string        `json:"tags,omitempty" db:"tags"`
	IsPrivate        bool            `json:"isPrivate" db:"is_private"`
	OriginalQuestion *string         `json:"originalQuestion,omitempty" db:"original_question"`
	Updated          int64           `json:"updatedAt,omitempty" db:"updated_at"`

	// Pending is set while an on-chain award has been submitted but not yet
	// reconciled into the row.
	Pending *PendingAward `json:"-"`
}

// Expired reports whether the deadline has passed at now.
func (q *Question) Expired(now time.Time) bool {
	return now.UnixMilli() >= q.Deadline
}

// PendingAward records a submitted award transaction so that a retry waits
// on the same transaction instead of sending a second one.
type PendingAward struct {
	TxHash        string `json:"tx_hash"`
	WinnerFID     int64  `json:"winner_fid"`
	AnswerID      int64  `json:"answer_id"`
	WinnerAddress string `json:"winner_address"`
	Submitted     int64  `json:"submitted"`
}

type Answer struct {
	ID         int64  `json:"id" db:"id"`
	QuestionID int64  `json:"questionId" db:"question_id"`
	FID        int64  `json:"fid" db:"fid"`
	Username   string `json:"username" db:"username"`
	Address    string `json:"address" db:"address"`
	Answer     string `json:"answer" db:"answer"`
	Upvotes    int64  `json:"upvotes" db:"upvotes"`
	Created    int64  `json:"created" db:"created"`
}

type Upvote struct {
	AnswerID int64 `json:"answerId" db:"answer_id"`
	FID      int64 `json:"fid" db:"fid"`
	Created  int64 `json:"created" db:"created"`
}

type Comment struct {
	ID       int64  `json:"id" db:"id"`
	AnswerID int64  `json:"answerId" db:"answer_id"`
	FID      int64  `json:"fid" db:"fid"`
	Username string `json:"username" db:"username"`
	Address  string `json:"address,omitempty" db:"address"`
	Comment  string `json:"comment" db:"comment"`
	Created  int64  `json:"created" db:"created_at"`
}

type NotificationType string

const (
	NotificationAnswer    NotificationType = "answer"
	NotificationUpvote    NotificationType = "upvote"
	NotificationComment   NotificationType = "comment"
	NotificationBountyWon NotificationType = "bounty_won"
)

type Notification struct {
	ID         int64            `json:"id" db:"id"`
	UserFID    int64            `json:"userFid" db:"user_fid"`
	Type       NotificationType `json:"type" db:"type"`
	QuestionID *int64           `json:"questionId,omitempty" db:"question_id"`
	AnswerID   *int64           `json:"answerId,omitempty" db:"answer_id"`
	FromFID    *int64           `json:"fromFid,omitempty" db:"from_fid"`
	Message    string           `json:"message" db:"message"`
	Read       bool             `json:"read" db:"read"`
	Created    int64            `json:"createdAt" db:"created_at"`
}

// NotificationToken is a push-delivery endpoint registered by the host
// platform for one identity.
type NotificationToken struct {
	FID     int64  `json:"fid" db:"fid"`
	URL     string `json:"url" db:"url"`
	Token   string `json:"token" db:"token"`
	Updated int64  `json:"updatedAt" db:"updated_at"`
}

// Profile is the summary of a social-graph user shown next to questions.
type Profile struct {
	FID         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	PfpURL      string `json:"pfpUrl,omitempty"`
}

// QuestionView is a question enriched for listing.
type QuestionView struct {
	Question
	AnswerCount int64    `json:"answerCount"`
	Author      *Profile `json:"author,omitempty"`
	Winner      *Profile `json:"winner,omitempty"`
}

// Sort orders accepted by question listings.
const (
	SortNewest        = "newest"
	SortOldest        = "oldest"
	SortHighestBounty = "highest_bounty"
	SortExpiringSoon  = "expiring_soon"
)

type QuestionFilter struct {
	Search    string
	Category  string
	Status    QuestionStatus
	AuthorFID int64
	Sort      string
	Limit     int
	Offset    int
}

type LeaderboardEntry struct {
	FID         int64           `json:"fid"`
	BountiesWon int64           `json:"bountiesWon"`
	TotalEarned decimal.Decimal `json:"totalEarned"`
	Profile     *Profile        `json:"profile"`
}

type UserStats struct {
	Profile        *Profile        `json:"profile"`
	BountiesWon    int64           `json:"bountiesWon"`
	TotalEarned    decimal.Decimal `json:"totalEarned"`
	QuestionsAsked int64           `json:"questionsAsked"`
	RecentActivity []Question      `json:"recentActivity"`
}

type BackgroundJob struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	NextTryAt   *time.Time      `json:"next_try_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}
