package bounty

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/pkg/farcaster"
	"github.com/garnizeh/bountycast/pkg/models"
)

const (
	leaderboardSize   = 20
	recentActivity    = 5
	notificationsPage = 50
)

type CommentInput struct {
	AnswerID int64  `json:"answerId" validate:"required,gt=0"`
	FID      int64  `json:"fid" validate:"required,gt=0"`
	Username string `json:"username" validate:"max=64"`
	Address  string `json:"address" validate:"omitempty,ethaddr"`
	Comment  string `json:"comment" validate:"required"`
}

type TokenInput struct {
	FID   int64  `json:"fid" validate:"required,gt=0"`
	URL   string `json:"url" validate:"required,url"`
	Token string `json:"token" validate:"required,max=256"`
}

// AddComment appends a comment to an answer and notifies its author.
func (s *Service) AddComment(ctx context.Context, in CommentInput) (int64, error) {
	if err := s.check(in); err != nil {
		return 0, err
	}
	body, err := s.checkBody(in.Comment, s.cfg.MaxCommentLength, "Comment")
	if err != nil {
		return 0, err
	}
	a, err := s.store.GetAnswer(ctx, in.AnswerID)
	if err != nil {
		return 0, apperr.Store(err)
	}
	if a == nil {
		return 0, apperr.NotFound("Answer")
	}

	username := in.Username
	if username == "" {
		username = "anon"
	}
	id, err := s.store.CreateComment(ctx, &models.Comment{
		AnswerID: a.ID,
		FID:      in.FID,
		Username: username,
		Address:  in.Address,
		Comment:  body,
		Created:  s.now().UnixMilli(),
	})
	if err != nil {
		return 0, apperr.Store(err)
	}

	s.notify(ctx, &models.Notification{
		UserFID:    a.FID,
		Type:       models.NotificationComment,
		QuestionID: int64Ptr(a.QuestionID),
		AnswerID:   int64Ptr(a.ID),
		FromFID:    int64Ptr(in.FID),
		Message:    username + " commented on your answer",
	})
	return id, nil
}

// ListComments returns the comments of an answer, oldest first.
func (s *Service) ListComments(ctx context.Context, answerID int64) ([]models.Comment, error) {
	if answerID <= 0 {
		return nil, apperr.MissingFields("answerId")
	}
	out, err := s.store.ListComments(ctx, answerID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	if out == nil {
		out = []models.Comment{}
	}
	return out, nil
}

// Leaderboard ranks winners by total earned. Ties go to more wins, then the
// lower fid.
func (s *Service) Leaderboard(ctx context.Context) ([]models.LeaderboardEntry, error) {
	awarded, err := s.store.ListAwarded(ctx)
	if err != nil {
		return nil, apperr.Store(err)
	}
	byFID := make(map[int64]*models.LeaderboardEntry)
	for _, q := range awarded {
		if q.WinnerFID == nil {
			continue
		}
		e, ok := byFID[*q.WinnerFID]
		if !ok {
			e = &models.LeaderboardEntry{FID: *q.WinnerFID, TotalEarned: decimal.Zero}
			byFID[e.FID] = e
		}
		e.BountiesWon++
		e.TotalEarned = e.TotalEarned.Add(q.Bounty)
	}

	out := make([]models.LeaderboardEntry, 0, len(byFID))
	for _, e := range byFID {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalEarned.Cmp(out[j].TotalEarned); c != 0 {
			return c > 0
		}
		if out[i].BountiesWon != out[j].BountiesWon {
			return out[i].BountiesWon > out[j].BountiesWon
		}
		return out[i].FID < out[j].FID
	})
	if len(out) > leaderboardSize {
		out = out[:leaderboardSize]
	}

	fids := make([]int64, len(out))
	for i := range out {
		fids[i] = out[i].FID
	}
	if profiles := s.profilesFor(ctx, fids); profiles != nil {
		for i := range out {
			out[i].Profile = profilePtr(profiles, out[i].FID)
		}
	}
	return out, nil
}

// UserStats summarises what fid has asked and won.
func (s *Service) UserStats(ctx context.Context, fid int64) (*models.UserStats, error) {
	if fid <= 0 {
		return nil, apperr.Invalid("Invalid FID")
	}
	won, err := s.store.ListAwardedByWinner(ctx, fid)
	if err != nil {
		return nil, apperr.Store(err)
	}
	asked, err := s.store.CountQuestionsByAuthor(ctx, fid)
	if err != nil {
		return nil, apperr.Store(err)
	}
	recent, err := s.store.ListQuestions(ctx, models.QuestionFilter{AuthorFID: fid, Sort: models.SortNewest, Limit: recentActivity})
	if err != nil {
		return nil, apperr.Store(err)
	}

	st := &models.UserStats{
		BountiesWon:    int64(len(won)),
		TotalEarned:    decimal.Zero,
		QuestionsAsked: asked,
		RecentActivity: make([]models.Question, 0, len(recent)),
	}
	for _, q := range won {
		st.TotalEarned = st.TotalEarned.Add(q.Bounty)
	}
	for _, v := range recent {
		st.RecentActivity = append(st.RecentActivity, v.Question)
	}
	if profiles := s.profilesFor(ctx, []int64{fid}); profiles != nil {
		st.Profile = profilePtr(profiles, fid)
	}
	return st, nil
}

// Notifications returns the latest notifications addressed to fid.
func (s *Service) Notifications(ctx context.Context, fid int64) ([]models.Notification, error) {
	if fid <= 0 {
		return nil, apperr.MissingFields("fid")
	}
	out, err := s.store.ListNotifications(ctx, fid, notificationsPage)
	if err != nil {
		return nil, apperr.Store(err)
	}
	if out == nil {
		out = []models.Notification{}
	}
	return out, nil
}

// MarkRead flags ids as read. Ids addressed to someone else are ignored.
func (s *Service) MarkRead(ctx context.Context, fid int64, ids []int64) (int64, error) {
	if fid <= 0 {
		return 0, apperr.MissingFields("fid")
	}
	if len(ids) == 0 {
		return 0, apperr.MissingFields("notificationIds")
	}
	n, err := s.store.MarkRead(ctx, fid, ids)
	if err != nil {
		return 0, apperr.Store(err)
	}
	return n, nil
}

// RegisterToken stores the push endpoint of fid.
func (s *Service) RegisterToken(ctx context.Context, in TokenInput) error {
	if err := s.check(in); err != nil {
		return err
	}
	if err := s.tokens.Check(in.URL); err != nil {
		return apperr.Validation("Notification URL is not allowed", err.Error())
	}
	if err := s.enforce(ctx, s.rules.Notifications, in.FID); err != nil {
		return err
	}
	if err := s.requireEligible(ctx, in.FID); err != nil {
		return err
	}
	return s.upsertToken(ctx, in.FID, in.URL, in.Token)
}

func (s *Service) upsertToken(ctx context.Context, fid int64, u, token string) error {
	err := s.store.UpsertToken(ctx, &models.NotificationToken{FID: fid, URL: u, Token: token, Updated: s.now().UnixMilli()})
	if err != nil {
		return apperr.Store(err)
	}
	logger.Info("bounty: notification token registered", "fid", fid)
	return nil
}

// HandleWebhookEvent applies a verified host event to the token table.
func (s *Service) HandleWebhookEvent(ctx context.Context, ev *farcaster.Event) error {
	if ev == nil {
		return apperr.Invalid("Invalid request")
	}
	switch {
	case ev.Registers():
		if err := s.requireEligible(ctx, ev.FID); err != nil {
			return err
		}
		d := ev.NotificationDetails
		if err := s.tokens.Check(d.URL); err != nil {
			return apperr.Validation("Notification URL is not allowed", err.Error())
		}
		return s.upsertToken(ctx, ev.FID, d.URL, d.Token)
	case ev.Deregisters():
		if err := s.store.DeleteToken(ctx, ev.FID); err != nil {
			return apperr.Store(err)
		}
		logger.Info("bounty: notification token removed", "fid", ev.FID, "event", ev.Name)
		return nil
	default:
		logger.Debug("bounty: webhook event ignored", "fid", ev.FID, "event", ev.Name)
		return nil
	}
}
