package bounty

import (
	"context"
	"errors"
	"fmt"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository"
)

type AnswerInput struct {
	QuestionID int64  `json:"questionId" validate:"required,gt=0"`
	FID        int64  `json:"fid" validate:"required,gt=0"`
	Username   string `json:"username" validate:"max=64"`
	Address    string `json:"address" validate:"omitempty,ethaddr"`
	Answer     string `json:"answer" validate:"required"`
}

// UpvoteResult is returned by ToggleUpvote.
type UpvoteResult struct {
	Action  string `json:"action"`
	Upvotes int64  `json:"upvotes"`
}

// openQuestion loads a question that still accepts answers and votes.
func (s *Service) openQuestion(ctx context.Context, id int64) (*models.Question, error) {
	q, err := s.store.GetQuestion(ctx, id)
	if err != nil {
		return nil, apperr.Store(err)
	}
	if q == nil {
		return nil, apperr.NotFound("Question")
	}
	if q.Status != models.StatusOpen || q.Expired(s.now()) {
		return nil, apperr.Conflict(apperr.CodeQuestionClosed, "Question is no longer accepting answers")
	}
	return q, nil
}

// SubmitAnswer records one answer per responder on an open question and
// notifies the asker.
func (s *Service) SubmitAnswer(ctx context.Context, in AnswerInput) (int64, error) {
	if err := s.check(in); err != nil {
		return 0, err
	}
	body, err := s.checkBody(in.Answer, s.cfg.MaxAnswerLength, "Answer")
	if err != nil {
		return 0, err
	}
	q, err := s.openQuestion(ctx, in.QuestionID)
	if err != nil {
		return 0, err
	}
	if err := s.enforce(ctx, s.rules.Answers, in.FID); err != nil {
		return 0, err
	}
	if err := s.requireEligible(ctx, in.FID); err != nil {
		return 0, err
	}

	answered, err := s.store.HasAnswered(ctx, q.ID, in.FID)
	if err != nil {
		return 0, apperr.Store(err)
	}
	if answered {
		return 0, apperr.Conflict(apperr.CodeDuplicateAnswer, "You have already answered this question")
	}

	username := in.Username
	if username == "" {
		username = "anon"
	}
	a := &models.Answer{
		QuestionID: q.ID,
		FID:        in.FID,
		Username:   username,
		Address:    in.Address,
		Answer:     body,
		Created:    s.now().UnixMilli(),
	}
	id, err := s.store.CreateAnswer(ctx, a)
	if errors.Is(err, repository.ErrDuplicate) {
		// the unique index caught a concurrent submission
		return 0, apperr.Conflict(apperr.CodeDuplicateAnswer, "You have already answered this question")
	}
	if err != nil {
		return 0, apperr.Store(err)
	}
	logger.Info("bounty: answer submitted", "question_id", q.ID, "answer_id", id, "fid", in.FID)

	s.notify(ctx, &models.Notification{
		UserFID:    q.FID,
		Type:       models.NotificationAnswer,
		QuestionID: int64Ptr(q.ID),
		AnswerID:   int64Ptr(id),
		FromFID:    int64Ptr(in.FID),
		Message:    fmt.Sprintf("%s answered your question", username),
	})
	return id, nil
}

// ListAnswers returns the answers of a question, best first.
func (s *Service) ListAnswers(ctx context.Context, questionID int64) ([]models.Answer, error) {
	if questionID <= 0 {
		return nil, apperr.MissingFields("questionId")
	}
	answers, err := s.store.ListAnswers(ctx, questionID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	if answers == nil {
		answers = []models.Answer{}
	}
	return answers, nil
}

// ToggleUpvote adds or removes fid's vote on an answer.
func (s *Service) ToggleUpvote(ctx context.Context, answerID, fid int64) (*UpvoteResult, error) {
	var missing []string
	if answerID <= 0 {
		missing = append(missing, "answerId")
	}
	if fid <= 0 {
		missing = append(missing, "fid")
	}
	if len(missing) > 0 {
		return nil, apperr.MissingFields(missing...)
	}
	if err := s.requireEligible(ctx, fid); err != nil {
		return nil, err
	}

	res, err := s.store.ToggleUpvote(ctx, answerID, fid, s.now(), s.cfg.UpvoteDebounce)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperr.NotFound("Answer")
	case errors.Is(err, repository.ErrQuestionClosed):
		return nil, apperr.Conflict(apperr.CodeQuestionClosed, "Voting is closed for this question")
	case errors.Is(err, repository.ErrDuplicate):
		return nil, apperr.Conflict(apperr.CodeDuplicateVote, "Vote already recorded, try again shortly")
	case err != nil:
		return nil, apperr.Store(err)
	}

	if res.Action == repository.ActionAdded {
		s.notify(ctx, &models.Notification{
			UserFID:    res.AnswerAuthor,
			Type:       models.NotificationUpvote,
			QuestionID: int64Ptr(res.QuestionID),
			AnswerID:   int64Ptr(answerID),
			FromFID:    int64Ptr(fid),
			Message:    "Someone upvoted your answer",
		})
	}
	return &UpvoteResult{Action: res.Action, Upvotes: res.Upvotes}, nil
}
