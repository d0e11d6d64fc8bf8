package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/jobs"
	"github.com/garnizeh/bountycast/pkg/ledger"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository/mock"
)

const (
	addrA = "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"
	addrB = "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"
	txOne = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var baseNow = time.UnixMilli(1_700_000_000_000)

type award struct {
	onchainID int64
	winner    string
}

type fakeLedger struct {
	mu           sync.Mutex
	signed       map[string]award
	submitted    []award
	waits        []string
	verified     []string
	gone         map[string]bool
	submitErr    error
	broadcastErr error
	waitErr      error
	verifyErr    error
	delay        time.Duration
}

func (l *fakeLedger) SignAward(_ context.Context, onchainID int64, winner string) (ledger.SignedAward, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != nil {
		return ledger.SignedAward{}, l.submitErr
	}
	if l.signed == nil {
		l.signed = map[string]award{}
	}
	hash := fmt.Sprintf("0x%064x", len(l.signed)+1)
	l.signed[hash] = award{onchainID, winner}
	return ledger.SignedAward{Hash: hash, Raw: []byte(hash)}, nil
}

func (l *fakeLedger) Broadcast(_ context.Context, tx ledger.SignedAward) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broadcastErr != nil {
		return l.broadcastErr
	}
	l.submitted = append(l.submitted, l.signed[tx.Hash])
	return nil
}

func (l *fakeLedger) Known(_ context.Context, tx string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.gone[tx], nil
}

// drop makes the node forget tx.
func (l *fakeLedger) drop(tx string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gone == nil {
		l.gone = map[string]bool{}
	}
	l.gone[tx] = true
}

func (l *fakeLedger) WaitMined(_ context.Context, tx string) error {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits = append(l.waits, tx)
	return l.waitErr
}

func (l *fakeLedger) VerifyAward(_ context.Context, tx string, _ int64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verified = append(l.verified, tx)
	return l.verifyErr
}

func (l *fakeLedger) submits() []award {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]award(nil), l.submitted...)
}

func (l *fakeLedger) set(fn func(*fakeLedger)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
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

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []AwardJob
	keys map[string]bool
}

func (q *fakeQueue) Submit(_ context.Context, typ string, payload any, o jobs.SubmitOpts) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.keys == nil {
		q.keys = map[string]bool{}
	}
	if q.keys[o.DedupKey] {
		return 0, jobs.ErrDuplicateJob
	}
	q.keys[o.DedupKey] = true
	q.jobs = append(q.jobs, payload.(AwardJob))
	return int64(len(q.jobs)), nil
}

type fixture struct {
	store    *mock.Store
	ledger   *fakeLedger
	notifier *fakeNotifier
	queue    *fakeQueue
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: mock.New(), ledger: &fakeLedger{}, notifier: &fakeNotifier{}, queue: &fakeQueue{}}
	f.engine = New(f.store, Config{LeaseDuration: time.Minute, BatchSize: 10},
		WithLedger(f.ledger), WithNotifier(f.notifier), WithQueue(f.queue),
		WithClock(func() time.Time { return baseNow }))
	return f
}

func (f *fixture) question(t *testing.T, deadline time.Time, onchainID int64) int64 {
	t.Helper()
	id, err := f.store.CreateQuestion(context.Background(), &models.Question{
		FID: 1, Username: "asker", Address: addrB, Question: "How?", Bounty: decimal.RequireFromString("0.5"),
		Created: baseNow.Add(-48 * time.Hour).UnixMilli(), Deadline: deadline.UnixMilli(), OnchainID: onchainID,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) expired(t *testing.T) int64 {
	return f.question(t, baseNow.Add(-time.Hour), 7)
}

func (f *fixture) answer(t *testing.T, qid, fid int64, addr string, upvotes int64) int64 {
	t.Helper()
	id, err := f.store.CreateAnswer(context.Background(), &models.Answer{QuestionID: qid, FID: fid, Username: fmt.Sprint("u", fid), Address: addr, Answer: "because"})
	require.NoError(t, err)
	f.store.SetUpvotes(id, upvotes)
	return id
}

func (f *fixture) status(t *testing.T, id int64) *models.Question {
	t.Helper()
	q, err := f.store.GetQuestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, q)
	return q
}

func TestSelectWinner(t *testing.T) {
	tests := []struct {
		name    string
		answers []models.Answer
		want    int64
	}{
		{"highest upvotes", []models.Answer{{ID: 10, Upvotes: 3}, {ID: 11, Upvotes: 3}, {ID: 12, Upvotes: 5}}, 12},
		{"tie goes to earlier id", []models.Answer{{ID: 11, Upvotes: 3}, {ID: 10, Upvotes: 3}}, 10},
		{"single", []models.Answer{{ID: 4}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := SelectWinner(tt.answers)
			require.True(t, ok)
			assert.Equal(t, tt.want, w.ID)
		})
	}
	_, ok := SelectWinner(nil)
	assert.False(t, ok)
}

func TestSweep_NoAnswersExpires(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ResultExpired, res[0].Status)
	assert.Equal(t, models.ReasonNoAnswers, res[0].Reason)

	q := f.status(t, id)
	assert.Equal(t, models.StatusExpired, q.Status)
	assert.Nil(t, q.WinnerFID)
	assert.Empty(t, f.ledger.submits())
	assert.Zero(t, f.notifier.count())
}

func TestSweep_AwardsSingleAnswer(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 0)

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ResultAwarded, res[0].Status)
	require.NotNil(t, res[0].Winner)
	assert.Equal(t, int64(42), *res[0].Winner)

	assert.Equal(t, []award{{7, addrA}}, f.ledger.submits())
	q := f.status(t, id)
	assert.Equal(t, models.StatusAwarded, q.Status)
	require.NotNil(t, q.WinnerFID)
	assert.Equal(t, int64(42), *q.WinnerFID)
	assert.Equal(t, res[0].Tx, q.AwardTx)
	assert.Nil(t, q.Pending)
	assert.False(t, f.store.Leased(id))

	require.Equal(t, 1, f.notifier.count())
	n := f.notifier.sent[0]
	assert.Equal(t, models.NotificationBountyWon, n.Type)
	assert.Equal(t, int64(42), n.UserFID)
}

func TestSweep_PicksTopAnswer(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 10, addrB, 3)
	f.answer(t, id, 11, addrB, 3)
	f.answer(t, id, 12, addrA, 5)

	_, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, int64(12), *f.status(t, id).WinnerFID)
	assert.Equal(t, []award{{7, addrA}}, f.ledger.submits())
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	awarded := f.expired(t)
	f.answer(t, awarded, 42, addrA, 1)
	expired := f.expired(t)

	for i := 0; i < 3; i++ {
		_, err := f.engine.Sweep(context.Background(), ModeLedger)
		require.NoError(t, err)
	}
	assert.Len(t, f.ledger.submits(), 1)
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, models.StatusAwarded, f.status(t, awarded).Status)
	assert.Equal(t, int64(42), *f.status(t, awarded).WinnerFID)
	assert.Equal(t, models.StatusExpired, f.status(t, expired).Status)

	r, err := f.engine.SettleOne(context.Background(), awarded, ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, r.Status)
	assert.Len(t, f.ledger.submits(), 1)
}

func TestSweep_ConcurrentSweepsAwardOnce(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	f.ledger.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Sweep(context.Background(), ModeLedger)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.ledger.submits(), 1)
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, models.StatusAwarded, f.status(t, id).Status)
}

func TestSweep_WinnerWithoutAddress(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, "", 5)
	f.answer(t, id, 43, addrA, 1)

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultExpired, res[0].Status)
	assert.Equal(t, models.ReasonWinnerHasNoAddress, res[0].Reason)
	q := f.status(t, id)
	assert.Equal(t, models.StatusExpired, q.Status)
	assert.Equal(t, models.ReasonWinnerHasNoAddress, q.CloseReason)
	assert.Empty(t, f.ledger.submits())
}

func TestSweep_RefusesMissingOnchainID(t *testing.T) {
	f := newFixture(t)
	id := f.question(t, baseNow.Add(-time.Hour), models.NoOnchainID)
	f.answer(t, id, 42, addrA, 1)

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res[0].Status)
	assert.Equal(t, apperr.CodeInvalidOnchain, apperr.CodeOf(res[0].Err()))
	assert.Equal(t, models.StatusOpen, f.status(t, id).Status)
	assert.Empty(t, f.ledger.submits())
	assert.False(t, f.store.Leased(id))
}

func TestSweep_RevertedStaysOpen(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	f.ledger.waitErr = ledger.ErrTxReverted

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res[0].Status)
	assert.ErrorIs(t, res[0].Err(), apperr.ErrLedger)
	q := f.status(t, id)
	assert.Equal(t, models.StatusOpen, q.Status)
	assert.Nil(t, q.WinnerFID)
	assert.Nil(t, q.Pending, "reverted tx is forgotten so the next sweep resubmits")
	assert.Zero(t, f.notifier.count())

	f.ledger.set(func(l *fakeLedger) { l.waitErr = nil })
	_, err = f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Len(t, f.ledger.submits(), 2)
	assert.Equal(t, models.StatusAwarded, f.status(t, id).Status)
}

func TestSweep_TimeoutReusesPendingTx(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	f.ledger.waitErr = fmt.Errorf("%w: deadline exceeded", ledger.ErrPending)

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res[0].Status)
	assert.ErrorIs(t, res[0].Err(), apperr.ErrLedger)
	q := f.status(t, id)
	assert.Equal(t, models.StatusOpen, q.Status)
	require.NotNil(t, q.Pending)
	assert.Equal(t, res[0].Tx, q.Pending.TxHash)
	assert.False(t, f.store.Leased(id))

	f.ledger.set(func(l *fakeLedger) { l.waitErr = nil })
	res, err = f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultAwarded, res[0].Status)
	assert.Len(t, f.ledger.submits(), 1, "second sweep waits on the recorded tx")
	assert.Equal(t, q.Pending.TxHash, f.status(t, id).AwardTx)
}

func TestSweep_SubmitFailure(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	f.ledger.submitErr = errors.New("nonce too low")

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res[0].Status)
	assert.Contains(t, res[0].Error, "nonce too low")
	assert.Equal(t, models.StatusOpen, f.status(t, id).Status)
}

func TestSweep_FailingQuestionsDoNotHideNewerOnes(t *testing.T) {
	f := newFixture(t)
	// a full batch of questions that fail on every sweep
	for i := 0; i < 10; i++ {
		id := f.question(t, baseNow.Add(-2*time.Hour), models.NoOnchainID)
		f.answer(t, id, int64(100+i), addrA, 1)
	}
	newer := f.expired(t)
	f.answer(t, newer, 42, addrA, 1)

	for i := 0; i < 2; i++ {
		res, err := f.engine.Sweep(context.Background(), ModeLedger)
		require.NoError(t, err)
		assert.Len(t, res, 11-i, "every expired open question is visited")
	}
	q := f.status(t, newer)
	assert.Equal(t, models.StatusAwarded, q.Status)
	assert.Equal(t, int64(42), *q.WinnerFID)
	assert.Equal(t, []award{{7, addrA}}, f.ledger.submits())
}

func TestLazySweep_VisitsPastQueuedAwards(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		id := f.expired(t)
		f.answer(t, id, int64(100+i), addrA, 1)
	}
	empty := f.expired(t)

	f.engine.LazySweep(context.Background())
	require.Len(t, f.queue.jobs, 12)
	assert.Equal(t, models.StatusExpired, f.status(t, empty).Status)

	res := f.engine.LazySweep(context.Background())
	assert.Len(t, res, 12)
	assert.Len(t, f.queue.jobs, 12)
}

func TestSweep_PendingRecordFailureSendsNothing(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	f.store.SetFail("RecordPendingAward", errors.New("db down"))
	f.ledger.waitErr = ledger.ErrPending

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res[0].Status)
	assert.ErrorIs(t, res[0].Err(), apperr.ErrStore)
	assert.Empty(t, f.ledger.submits(), "an unrecorded award is never broadcast")
	assert.Nil(t, f.status(t, id).Pending)

	f.store.SetFail("RecordPendingAward", nil)
	for i := 0; i < 2; i++ {
		res, err = f.engine.Sweep(context.Background(), ModeLedger)
		require.NoError(t, err)
		assert.Equal(t, ResultPending, res[0].Status)
	}
	assert.Len(t, f.ledger.submits(), 1)
}

func TestSweep_BroadcastFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	f.ledger.broadcastErr = errors.New("connection reset")
	f.ledger.waitErr = ledger.ErrPending

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res[0].Status)
	q := f.status(t, id)
	require.NotNil(t, q.Pending)
	assert.Equal(t, res[0].Tx, q.Pending.TxHash)

	f.ledger.set(func(l *fakeLedger) { l.broadcastErr = nil })
	_, err = f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Empty(t, f.ledger.submits(), "the recorded hash is awaited, not re-signed")
}

func TestSweep_DroppedTxIsResubmitted(t *testing.T) {
	f := newFixture(t)
	clock := baseNow
	f.engine = New(f.store, Config{LeaseDuration: time.Minute, BatchSize: 10, DropAfter: 10 * time.Minute},
		WithLedger(f.ledger), WithNotifier(f.notifier),
		WithClock(func() time.Time { return clock }))
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	f.ledger.waitErr = ledger.ErrPending

	res, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	require.Equal(t, ResultPending, res[0].Status)
	first := res[0].Tx

	// old but still known to the node
	clock = clock.Add(time.Hour)
	res, err = f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res[0].Status)

	// dropped, but inside the window
	clock = baseNow.Add(time.Minute)
	f.ledger.drop(first)
	res, err = f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res[0].Status)
	assert.Len(t, f.ledger.submits(), 1)

	clock = baseNow.Add(time.Hour)
	res, err = f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res[0].Status)
	assert.Equal(t, "dropped", res[0].Reason)
	assert.Nil(t, f.status(t, id).Pending)

	f.ledger.set(func(l *fakeLedger) { l.waitErr = nil })
	res, err = f.engine.Sweep(context.Background(), ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultAwarded, res[0].Status)
	assert.NotEqual(t, first, res[0].Tx)
	assert.Len(t, f.ledger.submits(), 2)
	assert.Equal(t, res[0].Tx, f.status(t, id).AwardTx)
}

func TestSweep_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetFail("ListExpiredOpen", errors.New("db down"))
	_, err := f.engine.Sweep(context.Background(), ModeLedger)
	require.ErrorIs(t, err, apperr.ErrStore)
}

func TestSweep_LocalQueuesAwards(t *testing.T) {
	f := newFixture(t)
	withAnswer := f.expired(t)
	f.answer(t, withAnswer, 42, addrA, 1)
	empty := f.expired(t)
	notYet := f.question(t, baseNow.Add(time.Hour), 8)

	res := f.engine.LazySweep(context.Background())
	require.Len(t, res, 2)
	assert.Empty(t, f.ledger.submits())
	assert.Equal(t, models.StatusOpen, f.status(t, withAnswer).Status)
	assert.Equal(t, models.StatusExpired, f.status(t, empty).Status)
	assert.Equal(t, models.StatusOpen, f.status(t, notYet).Status)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, withAnswer, f.queue.jobs[0].QuestionID)

	// a second read does not queue the same award twice
	res = f.engine.LazySweep(context.Background())
	require.Len(t, res, 1)
	assert.Equal(t, ResultQueued, res[0].Status)
	assert.Len(t, f.queue.jobs, 1)
}

func TestHandleAwardJob(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	f.answer(t, id, 42, addrA, 1)
	payload, _ := json.Marshal(AwardJob{QuestionID: id})
	job := &models.BackgroundJob{Type: jobs.TypeSettlementAward, Payload: payload}

	f.ledger.waitErr = ledger.ErrPending
	require.Error(t, f.engine.HandleAwardJob(context.Background(), job), "unconfirmed award is retried")

	f.ledger.set(func(l *fakeLedger) { l.waitErr = nil })
	require.NoError(t, f.engine.HandleAwardJob(context.Background(), job))
	assert.Equal(t, models.StatusAwarded, f.status(t, id).Status)

	// already terminal
	require.NoError(t, f.engine.HandleAwardJob(context.Background(), job))
	assert.Len(t, f.ledger.submits(), 1)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	confirmed := f.expired(t)
	f.answer(t, confirmed, 42, addrA, 1)
	require.NoError(t, f.store.RecordPendingAward(ctx, confirmed, models.PendingAward{TxHash: txOne, WinnerFID: 42, WinnerAddress: addrA}))

	res, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ResultAwarded, res[0].Status)
	assert.Equal(t, txOne, f.status(t, confirmed).AwardTx)
	assert.Empty(t, f.ledger.submits())
}

func TestManualAward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.question(t, baseNow.Add(time.Hour), 7)
	f.answer(t, id, 42, addrA, 10)
	f.answer(t, id, 43, addrB, 0)

	pick := int64(43)
	r, err := f.engine.ManualAward(ctx, ManualAwardRequest{QuestionID: id, FID: 1, TxHash: txOne, WinnerFID: &pick})
	require.NoError(t, err)
	assert.Equal(t, ResultAwarded, r.Status)
	q := f.status(t, id)
	assert.Equal(t, models.StatusAwarded, q.Status)
	assert.Equal(t, int64(43), *q.WinnerFID, "asker may override the ranking")
	assert.Equal(t, txOne, q.AwardTx)
	assert.Equal(t, []string{txOne}, f.ledger.verified)
	assert.Equal(t, 1, f.notifier.count())

	_, err = f.engine.ManualAward(ctx, ManualAwardRequest{QuestionID: id, FID: 1, TxHash: txOne})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestManualAward_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.question(t, baseNow.Add(time.Hour), 7)
	f.answer(t, id, 42, addrA, 1)
	noAddr := f.question(t, baseNow.Add(time.Hour), 8)
	f.answer(t, noAddr, 44, "", 1)
	noChain := f.question(t, baseNow.Add(time.Hour), models.NoOnchainID)
	f.answer(t, noChain, 45, addrA, 1)
	missing := int64(99)

	tests := []struct {
		name string
		req  ManualAwardRequest
		want error
	}{
		{"not creator", ManualAwardRequest{QuestionID: id, FID: 2, TxHash: txOne}, apperr.ErrAuthorization},
		{"unknown question", ManualAwardRequest{QuestionID: 1000, FID: 1, TxHash: txOne}, apperr.ErrNotFound},
		{"bad tx hash", ManualAwardRequest{QuestionID: id, FID: 1, TxHash: "0x12"}, apperr.ErrValidation},
		{"unknown winner", ManualAwardRequest{QuestionID: id, FID: 1, TxHash: txOne, WinnerFID: &missing}, apperr.ErrNotFound},
		{"winner without address", ManualAwardRequest{QuestionID: noAddr, FID: 1, TxHash: txOne}, apperr.ErrValidation},
		{"no onchain id", ManualAwardRequest{QuestionID: noChain, FID: 1, TxHash: txOne}, apperr.ErrLedger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ManualAward(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Empty(t, f.ledger.verified)
	assert.Empty(t, f.ledger.waits)
	for _, q := range []int64{id, noAddr, noChain} {
		assert.Equal(t, models.StatusOpen, f.status(t, q).Status)
	}
}

func TestManualAward_VerifyFails(t *testing.T) {
	f := newFixture(t)
	id := f.question(t, baseNow.Add(time.Hour), 7)
	f.answer(t, id, 42, addrA, 1)
	f.ledger.verifyErr = ledger.ErrTxMismatch

	_, err := f.engine.ManualAward(context.Background(), ManualAwardRequest{QuestionID: id, FID: 1, TxHash: txOne})
	require.ErrorIs(t, err, apperr.ErrLedger)
	require.ErrorIs(t, err, ledger.ErrTxMismatch)
	assert.Equal(t, models.StatusOpen, f.status(t, id).Status)
	assert.False(t, f.store.Leased(id))
	assert.Zero(t, f.notifier.count())
}

func TestSettleOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	future := f.question(t, baseNow.Add(time.Hour), 7)
	_, err := f.engine.SettleOne(ctx, future, ModeLedger)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.SettleOne(ctx, 404, ModeLedger)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	id := f.expired(t)
	r, err := f.engine.SettleOne(ctx, id, ModeLedger)
	require.NoError(t, err)
	assert.Equal(t, ResultExpired, r.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	id := f.expired(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		q, _ := f.store.GetQuestion(context.Background(), id)
		return q != nil && q.Status == models.StatusExpired
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
