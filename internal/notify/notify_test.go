package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/bountycast/internal/jobs"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository/mock"
)

type captured struct {
	mu   sync.Mutex
	reqs []pushRequest
}

func (c *captured) add(r pushRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, r)
}

func (c *captured) all() []pushRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pushRequest(nil), c.reqs...)
}

func pushServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			c.add(req)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

type fakeQueue struct {
	typ     string
	payload any
	err     error
}

func (q *fakeQueue) Submit(_ context.Context, typ string, payload any, _ jobs.SubmitOpts) (int64, error) {
	q.typ, q.payload = typ, payload
	return 1, q.err
}

type countRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countRecorder) Notification(typ, channel, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[typ+"/"+channel+"/"+result]++
}

func ptr(v int64) *int64 { return &v }

func TestNotify_InlinePush(t *testing.T) {
	store := mock.New()
	srv, got := pushServer(t, http.StatusOK)
	require.NoError(t, store.UpsertToken(context.Background(), &models.NotificationToken{FID: 5, URL: srv.URL, Token: "tok"}))
	rec := &countRecorder{}
	d := New(store, "https://bounty.example/", WithRecorder(rec), WithHTTPClient(srv.Client()))

	d.Notify(context.Background(), &models.Notification{
		UserFID: 5, Type: models.NotificationBountyWon, QuestionID: ptr(9), FromFID: ptr(1), Message: "You won 0.5 ETH",
	})

	stored := store.Notifications()
	require.Len(t, stored, 1)
	assert.NotZero(t, stored[0].Created)

	reqs := got.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You won a bounty!", reqs[0].Title)
	assert.Equal(t, "You won 0.5 ETH", reqs[0].Body)
	assert.Equal(t, "https://bounty.example/question/9", reqs[0].TargetURL)
	assert.Equal(t, []string{"tok"}, reqs[0].Tokens)
	assert.Len(t, reqs[0].NotificationID, 36)
	assert.Equal(t, 1, rec.counts["bounty_won/push/ok"])
}

func TestNotify_SelfSuppressed(t *testing.T) {
	store := mock.New()
	d := New(store, "")
	d.Notify(context.Background(), &models.Notification{UserFID: 3, FromFID: ptr(3), Type: models.NotificationAnswer, Message: "x"})
	assert.Empty(t, store.Notifications())
}

func TestNotify_Queued(t *testing.T) {
	store := mock.New()
	q := &fakeQueue{}
	d := New(store, "https://b.example", WithQueue(q))
	d.Notify(context.Background(), &models.Notification{UserFID: 3, FromFID: ptr(4), Type: models.NotificationComment, QuestionID: ptr(2), Message: "hi"})

	assert.Equal(t, jobs.TypeNotifyPush, q.typ)
	p, ok := q.payload.(PushPayload)
	require.True(t, ok)
	assert.Equal(t, int64(3), p.FID)
	assert.Equal(t, "New comment", p.Title)
	assert.Equal(t, "https://b.example/question/2", p.TargetURL)
	assert.NotEmpty(t, p.NotificationID)
}

func TestNotify_StoreFailureSwallowed(t *testing.T) {
	store := mock.New()
	store.SetFail("CreateNotification", errors.New("db down"))
	q := &fakeQueue{}
	d := New(store, "", WithQueue(q))
	d.Notify(context.Background(), &models.Notification{UserFID: 3, Type: models.NotificationAnswer})
	assert.Empty(t, q.typ, "no push without a stored notification")
}

func TestPush_NoToken(t *testing.T) {
	d := New(mock.New(), "")
	require.NoError(t, d.Push(context.Background(), PushPayload{FID: 1, Title: "t"}))
}

func TestPush_ClientErrorDropsToken(t *testing.T) {
	store := mock.New()
	srv, _ := pushServer(t, http.StatusBadRequest)
	ctx := context.Background()
	require.NoError(t, store.UpsertToken(ctx, &models.NotificationToken{FID: 1, URL: srv.URL, Token: "stale"}))

	d := New(store, "", WithHTTPClient(srv.Client()))
	require.NoError(t, d.Push(ctx, PushPayload{FID: 1, Title: "t"}))
	tok, err := store.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestPush_ServerErrorRetried(t *testing.T) {
	store := mock.New()
	srv, _ := pushServer(t, http.StatusBadGateway)
	ctx := context.Background()
	require.NoError(t, store.UpsertToken(ctx, &models.NotificationToken{FID: 1, URL: srv.URL, Token: "t"}))

	d := New(store, "", WithHTTPClient(srv.Client()))
	require.Error(t, d.Push(ctx, PushPayload{FID: 1, Title: "t"}))
	tok, err := store.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, tok, "token kept for retry")
}

func TestHandlePush_DecodesJob(t *testing.T) {
	store := mock.New()
	srv, got := pushServer(t, http.StatusOK)
	ctx := context.Background()
	require.NoError(t, store.UpsertToken(ctx, &models.NotificationToken{FID: 8, URL: srv.URL, Token: "t"}))

	payload, _ := json.Marshal(PushPayload{NotificationID: "fixed-id", FID: 8, Title: "New upvote", Body: "b"})
	d := New(store, "", WithHTTPClient(srv.Client()))
	require.NoError(t, d.HandlePush(ctx, &models.BackgroundJob{Type: jobs.TypeNotifyPush, Payload: payload}))
	require.Len(t, got.all(), 1)
	assert.Equal(t, "fixed-id", got.all()[0].NotificationID)

	require.Error(t, d.HandlePush(ctx, &models.BackgroundJob{Payload: []byte("{")}))
}

func TestURLPolicy(t *testing.T) {
	open := URLPolicy{}
	scoped := URLPolicy{Hosts: []string{"api.farcaster.xyz"}}
	tests := []struct {
		url    string
		policy URLPolicy
		ok     bool
	}{
		{"https://push.example/v1", open, true},
		{"http://push.example/v1", open, false},
		{"https://user:pw@push.example/v1", open, false},
		{"file:///etc/passwd", open, false},
		{"://bad", open, false},
		{"https://api.farcaster.xyz/v1/frame-notifications", scoped, true},
		{"https://eu.api.farcaster.xyz/v1", scoped, true},
		{"https://API.Farcaster.xyz/v1", scoped, true},
		{"https://api.farcaster.xyz.evil.example/v1", scoped, false},
		{"https://169.254.169.254/latest", scoped, false},
	}
	for _, tt := range tests {
		err := tt.policy.Check(tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, ErrTokenURL, tt.url)
		}
	}
}

func TestPush_DisallowedURLNeverContacted(t *testing.T) {
	store := mock.New()
	srv, got := pushServer(t, http.StatusOK)
	ctx := context.Background()
	rec := &countRecorder{}

	// a plain http endpoint stored before the policy existed
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("push sent to disallowed endpoint %s", r.URL)
	}))
	defer plain.Close()
	require.NoError(t, store.UpsertToken(ctx, &models.NotificationToken{FID: 1, URL: plain.URL, Token: "t"}))
	// https, but outside the allowed hosts
	require.NoError(t, store.UpsertToken(ctx, &models.NotificationToken{FID: 2, URL: srv.URL, Token: "t"}))

	d := New(store, "", WithHTTPClient(srv.Client()), WithRecorder(rec), WithURLPolicy(URLPolicy{Hosts: []string{"api.farcaster.xyz"}}))
	for _, fid := range []int64{1, 2} {
		require.NoError(t, d.Push(ctx, PushPayload{FID: fid, Type: string(models.NotificationAnswer), Title: "t"}))
		tok, err := store.GetToken(ctx, fid)
		require.NoError(t, err)
		assert.Nil(t, tok, "disallowed token is dropped")
	}
	assert.Empty(t, got.all())
	assert.Equal(t, 2, rec.counts["answer/push/rejected"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
