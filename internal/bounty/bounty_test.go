package bounty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/config"
	"github.com/garnizeh/bountycast/internal/eligibility"
	"github.com/garnizeh/bountycast/internal/notify"
	"github.com/garnizeh/bountycast/internal/ratelimit"
	"github.com/garnizeh/bountycast/internal/settlement"
	"github.com/garnizeh/bountycast/pkg/farcaster"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository/mock"
)

const (
	addrA = "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"
	addrB = "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"
)

var baseNow = time.UnixMilli(1_700_000_000_000)

type fakeGate struct {
	mu     sync.Mutex
	denied map[int64]bool
	calls  int
}

func (g *fakeGate) Check(_ context.Context, fid int64) eligibility.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.denied[fid] {
		return eligibility.Decision{Allowed: false, Reason: "score too low", Score: 0.2}
	}
	return eligibility.Decision{Allowed: true, Score: 0.9}
}

func (g *fakeGate) Require(ctx context.Context, fid int64) error {
	if d := g.Check(ctx, fid); !d.Allowed {
		return apperr.NotEligible(d.Reason, "requires score > 0.6")
	}
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, x *models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, *x)
}

func (n *fakeNotifier) all() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.sent...)
}

type fakeSettler struct{ sweeps int }

func (f *fakeSettler) LazySweep(context.Context) []settlement.Result {
	f.sweeps++
	return nil
}

type fakeProfiles struct {
	err error
}

func (p fakeProfiles) Profiles(_ context.Context, fids []int64) (map[int64]models.Profile, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[int64]models.Profile, len(fids))
	for _, f := range fids {
		out[f] = models.Profile{FID: f, Username: "user" + string(rune('0'+f%10))}
	}
	return out, nil
}

type fixture struct {
	store    *mock.Store
	gate     *fakeGate
	notifier *fakeNotifier
	settler  *fakeSettler
	svc      *Service
}

func bountyConfig(t *testing.T) config.BountyConfig {
	t.Helper()
	c := &config.Config{
		Database: config.DatabaseConfig{DSN: "bounty.db"},
		Auth:     config.AuthConfig{JWTSecret: "strongsecret"},
		Cron:     config.CronConfig{Secret: "cron"},
	}
	require.NoError(t, c.Validate())
	return c.Bounty
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    mock.New(),
		gate:     &fakeGate{denied: map[int64]bool{}},
		notifier: &fakeNotifier{},
		settler:  &fakeSettler{},
	}
	base := []Option{
		WithGate(f.gate),
		WithNotifier(f.notifier),
		WithSettler(f.settler),
		WithProfiles(fakeProfiles{}),
		WithClock(func() time.Time { return baseNow }),
	}
	f.svc = New(f.store, bountyConfig(t), append(base, opts...)...)
	return f
}

func (f *fixture) question(t *testing.T, fid int64, deadline time.Time) int64 {
	t.Helper()
	id, err := f.store.CreateQuestion(context.Background(), &models.Question{
		FID:       fid,
		Username:  "asker",
		Question:  "How do I escrow?",
		Bounty:    decimal.RequireFromString("0.5"),
		Created:   baseNow.Add(-time.Hour).UnixMilli(),
		Deadline:  deadline.UnixMilli(),
		OnchainID: 3,
		Status:    models.StatusOpen,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) answer(t *testing.T, qid, fid int64) int64 {
	t.Helper()
	id, err := f.store.CreateAnswer(context.Background(), &models.Answer{QuestionID: qid, FID: fid, Username: "responder", Address: addrA, Answer: "Use a contract."})
	require.NoError(t, err)
	return id
}

func ptr[T any](v T) *T { return &v }

func validQuestion() CreateQuestionInput {
	return CreateQuestionInput{
		FID:       7,
		Username:  "alice",
		Address:   addrA,
		Question:  "  What is a reentrancy guard?  ",
		Bounty:    "0.25",
		Token:     "ETH",
		OnchainID: ptr(int64(4)),
		Deadline:  baseNow.Add(48 * time.Hour).UnixMilli(),
		Category:  "Solidity",
		Tags:      []string{"security", "security", " evm "},
	}
}

func TestCreateQuestion(t *testing.T) {
	f := newFixture(t)
	id, err := f.svc.CreateQuestion(context.Background(), validQuestion())
	require.NoError(t, err)

	q, err := f.store.GetQuestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "What is a reentrancy guard?", q.Question)
	assert.Equal(t, models.StatusOpen, q.Status)
	assert.Equal(t, int64(4), q.OnchainID)
	assert.Equal(t, baseNow.UnixMilli(), q.Created)
	assert.Equal(t, []string{"security", "evm"}, q.Tags)
	assert.True(t, q.Bounty.Equal(decimal.RequireFromString("0.25")))
}

func TestCreateQuestion_DefaultsUsername(t *testing.T) {
	f := newFixture(t)
	in := validQuestion()
	in.Username = " "
	id, err := f.svc.CreateQuestion(context.Background(), in)
	require.NoError(t, err)
	q, _ := f.store.GetQuestion(context.Background(), id)
	assert.Equal(t, "anon", q.Username)
}

func TestCreateQuestion_Rejects(t *testing.T) {
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	tests := []struct {
		name string
		mut  func(*CreateQuestionInput)
		code string
	}{
		{"missing fid", func(in *CreateQuestionInput) { in.FID = 0 }, apperr.CodeMissingFields},
		{"missing onchain id", func(in *CreateQuestionInput) { in.OnchainID = nil }, apperr.CodeMissingFields},
		{"blank body", func(in *CreateQuestionInput) { in.Question = "   " }, apperr.CodeInvalidInput},
		{"long body", func(in *CreateQuestionInput) { in.Question = string(long) }, apperr.CodeValidation},
		{"bad amount", func(in *CreateQuestionInput) { in.Bounty = "lots" }, apperr.CodeInvalidInput},
		{"below minimum", func(in *CreateQuestionInput) { in.Bounty = "0.0001" }, apperr.CodeValidation},
		{"above maximum", func(in *CreateQuestionInput) { in.Bounty = "101" }, apperr.CodeValidation},
		{"too precise", func(in *CreateQuestionInput) { in.Bounty = "0.0010000000000000001" }, apperr.CodeValidation},
		{"bad address", func(in *CreateQuestionInput) { in.Address = "0x123" }, apperr.CodeValidation},
		{"unknown category", func(in *CreateQuestionInput) { in.Category = "Gossip" }, apperr.CodeValidation},
		{"too many tags", func(in *CreateQuestionInput) { in.Tags = []string{"a", "b", "c", "d", "e", "f"} }, apperr.CodeValidation},
		{"past deadline", func(in *CreateQuestionInput) { in.Deadline = baseNow.UnixMilli() }, apperr.CodeInvalidInput},
		{"far deadline", func(in *CreateQuestionInput) { in.Deadline = baseNow.Add(31 * 24 * time.Hour).UnixMilli() }, apperr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := validQuestion()
			tt.mut(&in)
			_, err := f.svc.CreateQuestion(context.Background(), in)
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
			assert.Equal(t, 0, f.store.CallCount("CreateQuestion"))
		})
	}
}

func TestCreateQuestion_NotEligible(t *testing.T) {
	f := newFixture(t)
	f.gate.denied[7] = true
	_, err := f.svc.CreateQuestion(context.Background(), validQuestion())
	require.ErrorIs(t, err, apperr.ErrEligibility)
	assert.Equal(t, 0, f.store.CallCount("CreateQuestion"))
}

func TestCreateQuestion_RateLimited(t *testing.T) {
	lim := ratelimit.NewMemory(time.Minute, nil)
	rules := Rules{Questions: ratelimit.Rule{Name: "questions", Limit: 1, Window: time.Hour}}
	f := newFixture(t, WithRateLimit(lim, rules))

	_, err := f.svc.CreateQuestion(context.Background(), validQuestion())
	require.NoError(t, err)
	_, err = f.svc.CreateQuestion(context.Background(), validQuestion())
	require.ErrorIs(t, err, apperr.ErrRateLimit)

	// other identities have their own budget
	in := validQuestion()
	in.FID = 8
	_, err = f.svc.CreateQuestion(context.Background(), in)
	require.NoError(t, err)
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis down")
}

func TestCreateQuestion_LimiterFailureAllows(t *testing.T) {
	f := newFixture(t, WithRateLimit(brokenLimiter{}, RulesFrom(config.RateLimitConfig{QuestionsPerHour: 1})))
	_, err := f.svc.CreateQuestion(context.Background(), validQuestion())
	require.NoError(t, err)
}

func TestCreateQuestion_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetFail("CreateQuestion", errors.New("disk full"))
	_, err := f.svc.CreateQuestion(context.Background(), validQuestion())
	require.ErrorIs(t, err, apperr.ErrStore)
}

func TestEditQuestion_Once(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.question(t, 7, baseNow.Add(time.Hour))

	require.NoError(t, f.svc.EditQuestion(ctx, EditQuestionInput{ID: id, FID: 7, Question: "How do I escrow ETH?"}))
	q, _ := f.store.GetQuestion(ctx, id)
	require.NotNil(t, q.OriginalQuestion)
	assert.Equal(t, "How do I escrow?", *q.OriginalQuestion)
	assert.Equal(t, "How do I escrow ETH?", q.Question)

	err := f.svc.EditQuestion(ctx, EditQuestionInput{ID: id, FID: 7, Question: "again"})
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, apperr.CodeAlreadyEdited, apperr.CodeOf(err))
}

func TestEditQuestion_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.question(t, 7, baseNow.Add(time.Hour))

	err := f.svc.EditQuestion(ctx, EditQuestionInput{ID: id, FID: 8, Question: "mine now"})
	require.ErrorIs(t, err, apperr.ErrAuthorization)

	err = f.svc.EditQuestion(ctx, EditQuestionInput{ID: 999, FID: 7, Question: "x"})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.store.MarkExpired(ctx, id, models.ReasonNoAnswers, baseNow.UnixMilli())
	require.NoError(t, err)
	err = f.svc.EditQuestion(ctx, EditQuestionInput{ID: id, FID: 7, Question: "x"})
	assert.Equal(t, apperr.CodeQuestionClosed, apperr.CodeOf(err))
}

func TestSubmitAnswer_NotifiesAsker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qid := f.question(t, 7, baseNow.Add(time.Hour))

	id, err := f.svc.SubmitAnswer(ctx, AnswerInput{QuestionID: qid, FID: 9, Username: "bob", Address: addrB, Answer: "Lock it in a contract"})
	require.NoError(t, err)
	require.NotZero(t, id)

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(7), sent[0].UserFID)
	assert.Equal(t, models.NotificationAnswer, sent[0].Type)
	assert.Equal(t, int64(9), *sent[0].FromFID)
	assert.Equal(t, id, *sent[0].AnswerID)
	assert.Equal(t, baseNow.UnixMilli(), sent[0].Created)
}

func TestSubmitAnswer_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qid := f.question(t, 7, baseNow.Add(time.Hour))
	in := AnswerInput{QuestionID: qid, FID: 9, Answer: "first"}

	_, err := f.svc.SubmitAnswer(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.SubmitAnswer(ctx, in)
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, apperr.CodeDuplicateAnswer, apperr.CodeOf(err))
	assert.Equal(t, 1, f.store.CallCount("CreateAnswer"), "pre-check answers before insert")
}

func TestSubmitAnswer_ConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	qid := f.question(t, 7, baseNow.Add(time.Hour))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitAnswer(context.Background(), AnswerInput{QuestionID: qid, FID: 9, Answer: "race"})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, apperr.CodeDuplicateAnswer, apperr.CodeOf(err))
	}
	assert.Equal(t, 1, ok)
	answers, _ := f.store.ListAnswers(context.Background(), qid)
	assert.Len(t, answers, 1)
}

func TestSubmitAnswer_Closed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := f.question(t, 7, baseNow)
	_, err := f.svc.SubmitAnswer(ctx, AnswerInput{QuestionID: past, FID: 9, Answer: "late"})
	assert.Equal(t, apperr.CodeQuestionClosed, apperr.CodeOf(err))

	settled := f.question(t, 7, baseNow.Add(time.Hour))
	_, err = f.store.MarkAwarded(ctx, settled, 3, "0xabc", baseNow.UnixMilli())
	require.NoError(t, err)
	_, err = f.svc.SubmitAnswer(ctx, AnswerInput{QuestionID: settled, FID: 9, Answer: "late"})
	assert.Equal(t, apperr.CodeQuestionClosed, apperr.CodeOf(err))

	_, err = f.svc.SubmitAnswer(ctx, AnswerInput{QuestionID: 999, FID: 9, Answer: "where"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.notifier.all())
}

func TestSubmitAnswer_NotEligible(t *testing.T) {
	f := newFixture(t)
	qid := f.question(t, 7, baseNow.Add(time.Hour))
	f.gate.denied[9] = true
	_, err := f.svc.SubmitAnswer(context.Background(), AnswerInput{QuestionID: qid, FID: 9, Answer: "hi"})
	require.ErrorIs(t, err, apperr.ErrEligibility)
}

func TestToggleUpvote(t *testing.T) {
	now := baseNow
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	qid := f.question(t, 7, baseNow.Add(time.Hour))
	aid := f.answer(t, qid, 9)

	res, err := f.svc.ToggleUpvote(ctx, aid, 11)
	require.NoError(t, err)
	assert.Equal(t, UpvoteResult{Action: "added", Upvotes: 1}, *res)

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(9), sent[0].UserFID)
	assert.Equal(t, models.NotificationUpvote, sent[0].Type)

	// inside the debounce window
	_, err = f.svc.ToggleUpvote(ctx, aid, 11)
	assert.Equal(t, apperr.CodeDuplicateVote, apperr.CodeOf(err))

	now = now.Add(2 * time.Second)
	res, err = f.svc.ToggleUpvote(ctx, aid, 11)
	require.NoError(t, err)
	assert.Equal(t, UpvoteResult{Action: "removed", Upvotes: 0}, *res)
	assert.Len(t, f.notifier.all(), 1, "no notification on removal")
}

func TestToggleUpvote_Concurrent(t *testing.T) {
	f := newFixture(t)
	qid := f.question(t, 7, baseNow.Add(time.Hour))
	aid := f.answer(t, qid, 9)

	var wg sync.WaitGroup
	results := make([]*UpvoteResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.svc.ToggleUpvote(context.Background(), aid, 11)
		}(i)
	}
	wg.Wait()

	added := 0
	for _, r := range results {
		if r != nil && r.Action == "added" {
			added++
		}
	}
	assert.Equal(t, 1, added)
	n, err := f.store.CountUpvotes(context.Background(), aid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	a, _ := f.store.GetAnswer(context.Background(), aid)
	assert.Equal(t, int64(1), a.Upvotes)
}

func TestToggleUpvote_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qid := f.question(t, 7, baseNow)
	aid := f.answer(t, qid, 9)

	_, err := f.svc.ToggleUpvote(ctx, aid, 11)
	assert.Equal(t, apperr.CodeQuestionClosed, apperr.CodeOf(err))

	_, err = f.svc.ToggleUpvote(ctx, 999, 11)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.ToggleUpvote(ctx, 0, 0)
	assert.Equal(t, apperr.CodeMissingFields, apperr.CodeOf(err))

	f.gate.denied[11] = true
	_, err = f.svc.ToggleUpvote(ctx, aid, 11)
	require.ErrorIs(t, err, apperr.ErrEligibility)
}

func TestListQuestions_SweepsAndEnriches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.question(t, 7, baseNow.Add(time.Hour))
	won := f.question(t, 8, baseNow.Add(time.Hour))
	f.answer(t, open, 9)
	_, err := f.store.MarkAwarded(ctx, won, 9, "0xabc", baseNow.UnixMilli())
	require.NoError(t, err)

	views, err := f.svc.ListQuestions(ctx, models.QuestionFilter{Status: "active"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.settler.sweeps)
	require.Len(t, views, 1)
	assert.Equal(t, open, views[0].ID)
	assert.Equal(t, int64(1), views[0].AnswerCount)
	require.NotNil(t, views[0].Author)
	assert.Equal(t, int64(7), views[0].Author.FID)

	views, err = f.svc.ListQuestions(ctx, models.QuestionFilter{Status: models.StatusAwarded})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Winner)
	assert.Equal(t, int64(9), views[0].Winner.FID)
}

func TestListQuestions_Rejects(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListQuestions(context.Background(), models.QuestionFilter{Sort: "random"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.ListQuestions(context.Background(), models.QuestionFilter{Status: "closed"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, f.settler.sweeps)
}

func TestGetQuestion_ProfilesBestEffort(t *testing.T) {
	f := newFixture(t, WithProfiles(fakeProfiles{err: errors.New("neynar down")}))
	id := f.question(t, 7, baseNow.Add(time.Hour))

	v, err := f.svc.GetQuestion(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, v.Author)

	_, err = f.svc.GetQuestion(context.Background(), 999)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAddComment_NotifiesAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	qid := f.question(t, 7, baseNow.Add(time.Hour))
	aid := f.answer(t, qid, 9)

	_, err := f.svc.AddComment(ctx, CommentInput{AnswerID: aid, FID: 12, Username: "carol", Comment: "Nice"})
	require.NoError(t, err)
	sent := f.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(9), sent[0].UserFID)
	assert.Equal(t, "carol commented on your answer", sent[0].Message)
	assert.Equal(t, qid, *sent[0].QuestionID)

	comments, err := f.svc.ListComments(ctx, aid)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Nice", comments[0].Comment)

	_, err = f.svc.AddComment(ctx, CommentInput{AnswerID: 999, FID: 12, Comment: "?"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLeaderboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	award := func(winner int64, amount string) {
		id, err := f.store.CreateQuestion(ctx, &models.Question{FID: 1, Question: "q", Bounty: decimal.RequireFromString(amount), Deadline: baseNow.UnixMilli(), Status: models.StatusOpen})
		require.NoError(t, err)
		_, err = f.store.MarkAwarded(ctx, id, winner, "0x1", baseNow.UnixMilli())
		require.NoError(t, err)
	}
	award(5, "1")
	award(5, "0.5")
	award(6, "2")
	award(7, "0.5")
	award(8, "0.5")
	award(8, "1")
	f.question(t, 1, baseNow.Add(time.Hour))

	board, err := f.svc.Leaderboard(ctx)
	require.NoError(t, err)
	require.Len(t, board, 4)
	assert.Equal(t, int64(6), board[0].FID)
	// 5 and 8 tie on total and wins, lower fid first
	assert.Equal(t, int64(5), board[1].FID)
	assert.Equal(t, int64(8), board[2].FID)
	assert.Equal(t, int64(2), board[1].BountiesWon)
	assert.True(t, board[1].TotalEarned.Equal(decimal.RequireFromString("1.5")))
	assert.NotNil(t, board[3].Profile)
}

func TestUserStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.question(t, 7, baseNow.Add(time.Hour))
	}
	won := f.question(t, 8, baseNow.Add(time.Hour))
	_, err := f.store.MarkAwarded(ctx, won, 7, "0x1", baseNow.UnixMilli())
	require.NoError(t, err)

	st, err := f.svc.UserStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.BountiesWon)
	assert.True(t, st.TotalEarned.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(6), st.QuestionsAsked)
	assert.Len(t, st.RecentActivity, 5)
	require.NotNil(t, st.Profile)

	_, err = f.svc.UserStats(ctx, 0)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNotifications_ListAndMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.store.CreateNotification(ctx, &models.Notification{UserFID: 7, Type: models.NotificationUpvote, Message: "m", Created: int64(i)})
		require.NoError(t, err)
	}
	list, err := f.svc.Notifications(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 3)

	n, err := f.svc.MarkRead(ctx, 7, []int64{list[0].ID, list[1].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.svc.MarkRead(ctx, 8, []int64{list[2].ID})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.MarkRead(ctx, 7, nil)
	assert.Equal(t, apperr.CodeMissingFields, apperr.CodeOf(err))
}

func TestRegisterToken(t *testing.T) {
	lim := ratelimit.NewMemory(time.Minute, nil)
	f := newFixture(t, WithRateLimit(lim, Rules{Notifications: ratelimit.Rule{Name: "notifications", Limit: 1, Window: time.Minute}}))
	ctx := context.Background()

	require.NoError(t, f.svc.RegisterToken(ctx, TokenInput{FID: 7, URL: "https://push.example/v1", Token: "tok"}))
	tok, err := f.store.GetToken(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "tok", tok.Token)

	err = f.svc.RegisterToken(ctx, TokenInput{FID: 7, URL: "https://push.example/v1", Token: "tok2"})
	require.ErrorIs(t, err, apperr.ErrRateLimit)

	err = f.svc.RegisterToken(ctx, TokenInput{FID: 8, URL: "ftp://push.example", Token: "t"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	err = f.svc.RegisterToken(ctx, TokenInput{FID: 8, URL: "http://push.example", Token: "t"})
	require.ErrorIs(t, err, apperr.ErrValidation, "push endpoints must be https")

	err = f.svc.RegisterToken(ctx, TokenInput{FID: 8})
	assert.Equal(t, apperr.CodeMissingFields, apperr.CodeOf(err))
}

func TestRegisterToken_URLPolicy(t *testing.T) {
	f := newFixture(t, WithTokenPolicy(notify.URLPolicy{Hosts: []string{"api.farcaster.xyz"}}))
	ctx := context.Background()

	for _, u := range []string{
		"http://api.farcaster.xyz/v1/frame-notifications",
		"https://internal.example/hook",
		"https://api.farcaster.xyz.internal.example/v1",
	} {
		err := f.svc.RegisterToken(ctx, TokenInput{FID: 7, URL: u, Token: "tok"})
		require.ErrorIs(t, err, apperr.ErrValidation, u)
	}
	tok, err := f.store.GetToken(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, f.svc.RegisterToken(ctx, TokenInput{FID: 7, URL: "https://api.farcaster.xyz/v1/frame-notifications", Token: "tok"}))

	// webhook registrations follow the same policy
	err = f.svc.HandleWebhookEvent(ctx, &farcaster.Event{FID: 8, Name: farcaster.EventNotificationsEnabled,
		NotificationDetails: &farcaster.NotificationDetails{URL: "http://127.0.0.1:6379", Token: "abc"}})
	require.ErrorIs(t, err, apperr.ErrValidation)
	tok, _ = f.store.GetToken(ctx, 8)
	assert.Nil(t, tok)
}

func TestHandleWebhookEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	details := &farcaster.NotificationDetails{URL: "https://push.example", Token: "abc"}

	require.NoError(t, f.svc.HandleWebhookEvent(ctx, &farcaster.Event{FID: 7, Name: farcaster.EventNotificationsEnabled, NotificationDetails: details}))
	tok, _ := f.store.GetToken(ctx, 7)
	require.NotNil(t, tok)
	assert.Equal(t, "abc", tok.Token)

	require.NoError(t, f.svc.HandleWebhookEvent(ctx, &farcaster.Event{FID: 7, Name: farcaster.EventMiniAppRemoved}))
	tok, _ = f.store.GetToken(ctx, 7)
	assert.Nil(t, tok)

	// added without details registers nothing
	require.NoError(t, f.svc.HandleWebhookEvent(ctx, &farcaster.Event{FID: 7, Name: farcaster.EventMiniAppAdded}))
	tok, _ = f.store.GetToken(ctx, 7)
	assert.Nil(t, tok)

	f.gate.denied[9] = true
	err := f.svc.HandleWebhookEvent(ctx, &farcaster.Event{FID: 9, Name: farcaster.EventMiniAppAdded, NotificationDetails: details})
	require.ErrorIs(t, err, apperr.ErrEligibility)
}

func TestCheckEligibility(t *testing.T) {
	f := newFixture(t)
	f.gate.denied[4] = true

	d, err := f.svc.CheckEligibility(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = f.svc.CheckEligibility(context.Background(), 4)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)

	_, err = f.svc.CheckEligibility(context.Background(), 0)
	require.ErrorIs(t, err, apperr.ErrValidation)
}
