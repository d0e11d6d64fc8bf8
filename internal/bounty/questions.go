package bounty

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/pkg/models"
)

type CreateQuestionInput struct {
	FID       int64    `json:"fid" validate:"required,gt=0"`
	Username  string   `json:"username" validate:"max=64"`
	Address   string   `json:"address" validate:"omitempty,ethaddr"`
	Question  string   `json:"question" validate:"required"`
	Bounty    string   `json:"bounty" validate:"required"`
	Token     string   `json:"token" validate:"omitempty,max=16"`
	OnchainID *int64   `json:"onchainId" validate:"required,min=-1"`
	Deadline  int64    `json:"deadline" validate:"required,gt=0"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags" validate:"dive,max=32"`
	IsPrivate bool     `json:"isPrivate"`
}

type EditQuestionInput struct {
	ID       int64    `json:"questionId" validate:"required,gt=0"`
	FID      int64    `json:"fid" validate:"required,gt=0"`
	Question string   `json:"question" validate:"required"`
	Category string   `json:"category"`
	Tags     []string `json:"tags" validate:"dive,max=32"`
}

func (s *Service) checkBody(body string, limit int, what string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", apperr.Invalid(what + " cannot be empty")
	}
	if n := utf8.RuneCountInString(body); n > limit {
		return "", apperr.Validation(what+" is too long", "maximum "+strconv.Itoa(limit)+" characters, got "+strconv.Itoa(n))
	}
	return body, nil
}

func (s *Service) checkCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" || slices.Contains(s.cfg.Categories, category) {
		return category, nil
	}
	return "", apperr.Validation("Unknown category", "allowed: "+strings.Join(s.cfg.Categories, ", "))
}

func (s *Service) checkTags(tags []string) ([]string, error) {
	if len(tags) > s.cfg.MaxTags {
		return nil, apperr.Validation("Too many tags", "maximum "+strconv.Itoa(s.cfg.MaxTags))
	}
	var out []string
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) checkBounty(raw string) (decimal.Decimal, error) {
	b, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, apperr.Invalid("Bounty must be a decimal amount")
	}
	if b.LessThan(s.cfg.Min()) {
		return decimal.Decimal{}, apperr.Validation("Bounty is below the minimum", "minimum "+s.cfg.Min().String()+" ETH")
	}
	if b.GreaterThan(s.cfg.Max()) {
		return decimal.Decimal{}, apperr.Validation("Bounty is above the maximum", "maximum "+s.cfg.Max().String()+" ETH")
	}
	if !b.Equal(b.Truncate(18)) {
		return decimal.Decimal{}, apperr.Validation("Bounty has more than 18 decimals", "")
	}
	return b, nil
}

// CreateQuestion records a question whose escrow was funded on chain.
func (s *Service) CreateQuestion(ctx context.Context, in CreateQuestionInput) (int64, error) {
	if err := s.check(in); err != nil {
		return 0, err
	}
	body, err := s.checkBody(in.Question, s.cfg.MaxQuestionLength, "Question")
	if err != nil {
		return 0, err
	}
	bounty, err := s.checkBounty(in.Bounty)
	if err != nil {
		return 0, err
	}
	category, err := s.checkCategory(in.Category)
	if err != nil {
		return 0, err
	}
	tags, err := s.checkTags(in.Tags)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if in.Deadline <= now.UnixMilli() {
		return 0, apperr.Invalid("Deadline must be in the future")
	}
	if latest := now.Add(time.Duration(s.cfg.MaxDeadlineDays) * 24 * time.Hour); in.Deadline > latest.UnixMilli() {
		return 0, apperr.Validation("Deadline is too far away", "maximum "+strconv.Itoa(s.cfg.MaxDeadlineDays)+" days")
	}

	if err := s.enforce(ctx, s.rules.Questions, in.FID); err != nil {
		return 0, err
	}
	if err := s.requireEligible(ctx, in.FID); err != nil {
		return 0, err
	}

	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = "anon"
	}
	q := &models.Question{
		FID:       in.FID,
		Username:  username,
		Address:   in.Address,
		Question:  body,
		Bounty:    bounty,
		Token:     in.Token,
		Created:   now.UnixMilli(),
		Deadline:  in.Deadline,
		OnchainID: *in.OnchainID,
		Status:    models.StatusOpen,
		Category:  category,
		Tags:      tags,
		IsPrivate: in.IsPrivate,
	}
	id, err := s.store.CreateQuestion(ctx, q)
	if err != nil {
		return 0, apperr.Store(err)
	}
	logger.Info("bounty: question created", "question_id", id, "fid", in.FID, "bounty", bounty.String(), "onchain_id", q.OnchainID)
	return id, nil
}

// EditQuestion replaces the body once. The first body is kept.
func (s *Service) EditQuestion(ctx context.Context, in EditQuestionInput) error {
	if err := s.check(in); err != nil {
		return err
	}
	body, err := s.checkBody(in.Question, s.cfg.MaxQuestionLength, "Question")
	if err != nil {
		return err
	}
	q, err := s.store.GetQuestion(ctx, in.ID)
	if err != nil {
		return apperr.Store(err)
	}
	if q == nil {
		return apperr.NotFound("Question")
	}
	if q.FID != in.FID {
		return apperr.Unauthorized("Only the question creator can edit it")
	}
	if q.OriginalQuestion != nil {
		return apperr.Conflict(apperr.CodeAlreadyEdited, "Question can only be edited once")
	}
	if q.Status != models.StatusOpen {
		return apperr.Conflict(apperr.CodeQuestionClosed, "Question is "+string(q.Status))
	}

	category := q.Category
	if strings.TrimSpace(in.Category) != "" {
		if category, err = s.checkCategory(in.Category); err != nil {
			return err
		}
	}
	tags := q.Tags
	if in.Tags != nil {
		if tags, err = s.checkTags(in.Tags); err != nil {
			return err
		}
	}

	ok, err := s.store.EditQuestion(ctx, q.ID, in.FID, body, category, tags, s.now().UnixMilli())
	if err != nil {
		return apperr.Store(err)
	}
	if !ok {
		// lost a race with another edit or a settlement
		return apperr.Conflict(apperr.CodeAlreadyEdited, "Question can only be edited once")
	}
	return nil
}

// GetQuestion returns one question with its answer count and profiles.
func (s *Service) GetQuestion(ctx context.Context, id int64) (*models.QuestionView, error) {
	q, err := s.store.GetQuestion(ctx, id)
	if err != nil {
		return nil, apperr.Store(err)
	}
	if q == nil {
		return nil, apperr.NotFound("Question")
	}
	answers, err := s.store.ListAnswers(ctx, id)
	if err != nil {
		return nil, apperr.Store(err)
	}
	views := []models.QuestionView{{Question: *q, AnswerCount: int64(len(answers))}}
	s.enrich(ctx, views)
	return &views[0], nil
}

// ListQuestions sweeps expired questions locally, then lists.
func (s *Service) ListQuestions(ctx context.Context, f models.QuestionFilter) ([]models.QuestionView, error) {
	switch f.Sort {
	case "", models.SortNewest, models.SortOldest, models.SortHighestBounty, models.SortExpiringSoon:
	default:
		return nil, apperr.Invalid("Unknown sort " + f.Sort)
	}
	if f.Status == "active" {
		f.Status = models.StatusOpen
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Invalid("Unknown status " + string(f.Status))
	}
	if s.settler != nil {
		s.settler.LazySweep(ctx)
	}
	views, err := s.store.ListQuestions(ctx, f)
	if err != nil {
		return nil, apperr.Store(err)
	}
	s.enrich(ctx, views)
	return views, nil
}

func (s *Service) enrich(ctx context.Context, views []models.QuestionView) {
	fids := make([]int64, 0, len(views)*2)
	for _, v := range views {
		fids = append(fids, v.FID)
		if v.WinnerFID != nil {
			fids = append(fids, *v.WinnerFID)
		}
	}
	profiles := s.profilesFor(ctx, fids)
	if profiles == nil {
		return
	}
	for i := range views {
		views[i].Author = profilePtr(profiles, views[i].FID)
		if views[i].WinnerFID != nil {
			views[i].Winner = profilePtr(profiles, *views[i].WinnerFID)
		}
	}
}
