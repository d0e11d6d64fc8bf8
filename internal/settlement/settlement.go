// Package settlement drives questions from open to awarded or expired.
//
// Every transition is guarded twice: a lease compare-and-swap on the row
// picks one settler per question, and the terminal write itself only
// succeeds while the status is still open. Local state is written only after
// the ledger confirms the award transaction.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/jobs"
	"github.com/garnizeh/bountycast/pkg/ledger"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository"
)

// Mode selects how far a sweep may go.
type Mode int

const (
	// ModeLocal applies only transitions that move no funds and queues
	// ledger awards for a worker.
	ModeLocal Mode = iota
	// ModeLedger also submits and confirms award transactions.
	ModeLedger
)

func (m Mode) String() string {
	if m == ModeLedger {
		return "ledger"
	}
	return "local"
}

// Result statuses.
const (
	ResultAwarded = "awarded"
	ResultExpired = "expired"
	ResultQueued  = "queued"
	ResultPending = "pending"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Result reports what happened to one question.
type Result struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Winner *int64 `json:"winner,omitempty"`
	Tx     string `json:"tx,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`

	err error
}

// Err returns the classified error behind a failed or pending result.
func (r Result) Err() error { return r.err }

// Ledger is the on-chain escrow. *ledger.Client satisfies it.
type Ledger interface {
	SignAward(ctx context.Context, onchainID int64, winner string) (ledger.SignedAward, error)
	Broadcast(ctx context.Context, tx ledger.SignedAward) error
	WaitMined(ctx context.Context, txHash string) error
	Known(ctx context.Context, txHash string) (bool, error)
	VerifyAward(ctx context.Context, txHash string, onchainID int64, winner string) error
}

type Notifier interface {
	Notify(ctx context.Context, n *models.Notification)
}

// Queue accepts deferred award jobs. *jobs.Repository satisfies it.
type Queue interface {
	Submit(ctx context.Context, typ string, payload any, o jobs.SubmitOpts) (int64, error)
}

type Recorder interface {
	Settlement(trigger, status string)
	LedgerCall(op string, err error, d time.Duration)
}

// Store is the persistence surface the engine uses.
type Store interface {
	repository.SettlementRepo
	GetQuestion(ctx context.Context, id int64) (*models.Question, error)
	ListAnswers(ctx context.Context, questionID int64) ([]models.Answer, error)
}

type Config struct {
	LeaseDuration time.Duration
	LazyBudget    time.Duration
	// BatchSize is the page size used when listing questions to settle.
	BatchSize      int
	JobMaxAttempts int
	// DropAfter is how old a recorded award must be before it is cleared
	// for resubmission once the node no longer knows its transaction.
	DropAfter time.Duration
}

// AwardJob is the payload of a settlement.award job.
type AwardJob struct {
	QuestionID int64 `json:"question_id"`
}

// package-level logger; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the package logger. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

type Engine struct {
	store    Store
	ledger   Ledger
	notifier Notifier
	queue    Queue
	recorder Recorder
	cfg      Config
	owner    string
	now      func() time.Time

	// lazyAfter is where the next lazy sweep resumes.
	lazyAfter atomic.Int64
}

type Option func(*Engine)

// WithLedger enables on-chain awards. Without it ModeLedger sweeps report
// every awardable question as failed.
func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithQueue(q Queue) Option { return func(e *Engine) { e.queue = q } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(store Store, cfg Config, opts ...Option) *Engine {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = 5
	}
	if cfg.DropAfter <= 0 {
		cfg.DropAfter = 30 * time.Minute
	}
	e := &Engine{store: store, cfg: cfg, owner: uuid.NewString(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SelectWinner returns the answer with the most upvotes, the lowest id
// winning ties. It reports false when there are no answers.
func SelectWinner(answers []models.Answer) (models.Answer, bool) {
	if len(answers) == 0 {
		return models.Answer{}, false
	}
	ranked := append([]models.Answer(nil), answers...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Upvotes != ranked[j].Upvotes {
			return ranked[i].Upvotes > ranked[j].Upvotes
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked[0], true
}

func (e *Engine) record(trigger string, r Result) {
	if e.recorder != nil {
		e.recorder.Settlement(trigger, r.Status)
	}
}

func (e *Engine) ledgerCall(op string, start time.Time, err error) {
	if e.recorder != nil {
		e.recorder.LedgerCall(op, err, e.now().Sub(start))
	}
}

// Sweep settles every open question whose deadline has passed. Questions
// are listed by id one batch at a time, so rows that keep failing never hide
// the ones behind them.
func (e *Engine) Sweep(ctx context.Context, mode Mode) ([]Result, error) {
	results, _, err := e.sweepFrom(ctx, mode, 0)
	return results, err
}

// sweepFrom settles expired questions with an id above after. It returns the
// id to resume from, or 0 once every expired question has been visited.
func (e *Engine) sweepFrom(ctx context.Context, mode Mode, after int64) ([]Result, int64, error) {
	at := e.now().UnixMilli()
	results := []Result{}
	for {
		if ctx.Err() != nil {
			return results, after, nil
		}
		qs, err := e.store.ListExpiredOpen(ctx, at, after, e.cfg.BatchSize)
		if err != nil {
			return results, after, apperr.Store(fmt.Errorf("list expired questions: %w", err))
		}
		if len(qs) == 0 {
			return results, 0, nil
		}
		for _, q := range qs {
			if ctx.Err() != nil {
				return results, after, nil
			}
			r := e.settle(ctx, q.ID, mode)
			e.record(mode.String(), r)
			results = append(results, r)
			after = q.ID
		}
	}
}

// LazySweep runs a local sweep bounded by the lazy budget. Errors are logged;
// it never blocks a read for longer than the budget. A sweep cut short by the
// budget is resumed by the next call.
func (e *Engine) LazySweep(ctx context.Context) []Result {
	if e.cfg.LazyBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.LazyBudget)
		defer cancel()
	}
	results, next, err := e.sweepFrom(ctx, ModeLocal, e.lazyAfter.Load())
	e.lazyAfter.Store(next)
	if err != nil {
		logger.Warn("settlement: lazy sweep failed", slog.Any("err", err))
	}
	return results
}

// SettleOne runs the settlement algorithm on one question whose deadline has
// passed.
func (e *Engine) SettleOne(ctx context.Context, id int64, mode Mode) (Result, error) {
	q, err := e.store.GetQuestion(ctx, id)
	if err != nil {
		return Result{}, apperr.Store(err)
	}
	if q == nil {
		return Result{}, apperr.NotFound("Question")
	}
	if q.Status.Terminal() {
		return Result{ID: id, Status: ResultSkipped, Reason: "already " + string(q.Status)}, nil
	}
	if !q.Expired(e.now()) {
		return Result{}, apperr.Invalid("Question has not expired yet")
	}
	r := e.settle(ctx, id, mode)
	e.record(mode.String(), r)
	return r, nil
}

func (e *Engine) claim(ctx context.Context, id int64) (bool, error) {
	now := e.now()
	return e.store.ClaimSettlement(ctx, id, e.owner, now.UnixMilli(), now.Add(e.cfg.LeaseDuration).UnixMilli())
}

func (e *Engine) release(id int64) {
	// released on a fresh context so a cancelled sweep still frees the row
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.ReleaseSettlement(ctx, id, e.owner); err != nil {
		logger.Warn("settlement: release lease failed", slog.Int64("question_id", id), slog.Any("err", err))
	}
}

func failed(id int64, err error) Result {
	return Result{ID: id, Status: ResultFailed, Error: err.Error(), err: err}
}

func (e *Engine) settle(ctx context.Context, id int64, mode Mode) Result {
	ok, err := e.claim(ctx, id)
	if err != nil {
		return failed(id, apperr.Store(fmt.Errorf("claim: %w", err)))
	}
	if !ok {
		return Result{ID: id, Status: ResultSkipped, Reason: "busy"}
	}
	defer e.release(id)

	q, err := e.store.GetQuestion(ctx, id)
	if err != nil {
		return failed(id, apperr.Store(err))
	}
	if q == nil || q.Status.Terminal() {
		return Result{ID: id, Status: ResultSkipped, Reason: "settled"}
	}

	r := e.decide(ctx, q, mode)
	logger.Info("settlement: question processed",
		slog.Int64("question_id", id),
		slog.String("mode", mode.String()),
		slog.String("outcome", r.Status),
		slog.String("reason", r.Reason),
		slog.String("tx", r.Tx),
		slog.String("error", r.Error),
	)
	return r
}

// decide runs with the lease held.
func (e *Engine) decide(ctx context.Context, q *models.Question, mode Mode) Result {
	if q.Pending != nil {
		if mode == ModeLocal {
			return e.queueAward(ctx, q.ID, "award transaction pending")
		}
		return e.finishPending(ctx, q, *q.Pending)
	}

	answers, err := e.store.ListAnswers(ctx, q.ID)
	if err != nil {
		return failed(q.ID, apperr.Store(err))
	}
	winner, ok := SelectWinner(answers)
	if !ok {
		return e.expire(ctx, q.ID, models.ReasonNoAnswers)
	}
	if !ledger.ValidAddress(winner.Address) {
		return e.expire(ctx, q.ID, models.ReasonWinnerHasNoAddress)
	}
	if mode == ModeLocal {
		return e.queueAward(ctx, q.ID, "")
	}
	return e.award(ctx, q, winner)
}

func (e *Engine) expire(ctx context.Context, id int64, reason string) Result {
	ok, err := e.store.MarkExpired(ctx, id, reason, e.now().UnixMilli())
	if err != nil {
		return failed(id, apperr.Store(err))
	}
	if !ok {
		return Result{ID: id, Status: ResultSkipped, Reason: "settled"}
	}
	return Result{ID: id, Status: ResultExpired, Reason: reason}
}

// queueAward queues a ledger award for the job worker.
func (e *Engine) queueAward(ctx context.Context, id int64, reason string) Result {
	if e.queue == nil {
		return Result{ID: id, Status: ResultPending, Reason: "awaiting scheduled sweep"}
	}
	_, err := e.queue.Submit(ctx, jobs.TypeSettlementAward, AwardJob{QuestionID: id}, jobs.SubmitOpts{
		DedupKey:    fmt.Sprintf("settlement:%d", id),
		MaxAttempts: e.cfg.JobMaxAttempts,
	})
	if err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
		return failed(id, apperr.Store(fmt.Errorf("enqueue award: %w", err)))
	}
	return Result{ID: id, Status: ResultQueued, Reason: reason}
}

func (e *Engine) award(ctx context.Context, q *models.Question, winner models.Answer) Result {
	if q.OnchainID < 0 {
		return failed(q.ID, apperr.Ledger(apperr.CodeInvalidOnchain, "Question has no on-chain id", nil))
	}
	if e.ledger == nil {
		return failed(q.ID, apperr.Ledger("", "Ledger not configured", nil))
	}

	start := e.now()
	signed, err := e.ledger.SignAward(ctx, q.OnchainID, winner.Address)
	e.ledgerCall("sign_award", start, err)
	if err != nil {
		return failed(q.ID, apperr.Ledger("", "Award transaction failed", err))
	}

	p := models.PendingAward{
		TxHash:        signed.Hash,
		WinnerFID:     winner.FID,
		AnswerID:      winner.ID,
		WinnerAddress: winner.Address,
		Submitted:     e.now().UnixMilli(),
	}
	// Nothing is sent unless the hash is on record; later sweeps wait on it
	// instead of signing another award.
	if err := e.store.RecordPendingAward(ctx, q.ID, p); err != nil {
		return failed(q.ID, apperr.Store(fmt.Errorf("record pending award: %w", err)))
	}

	start = e.now()
	err = e.ledger.Broadcast(ctx, signed)
	e.ledgerCall("broadcast_award", start, err)
	if err != nil {
		r := failed(q.ID, apperr.Ledger("", "Award transaction not sent", err))
		r.Status = ResultPending
		r.Tx = signed.Hash
		return r
	}
	return e.finishPending(ctx, q, p)
}

// finishPending waits for a submitted award and applies its outcome.
func (e *Engine) finishPending(ctx context.Context, q *models.Question, p models.PendingAward) Result {
	if e.ledger == nil {
		return failed(q.ID, apperr.Ledger("", "Ledger not configured", nil))
	}
	start := e.now()
	err := e.ledger.WaitMined(ctx, p.TxHash)
	e.ledgerCall("wait_mined", start, err)

	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrTxReverted):
		if cerr := e.store.ClearPendingAward(ctx, q.ID); cerr != nil {
			logger.Error("settlement: clear pending award failed", slog.Int64("question_id", q.ID), slog.Any("err", cerr))
		}
		r := failed(q.ID, apperr.Ledger("", "Award transaction reverted", err))
		r.Tx = p.TxHash
		return r
	default:
		if e.dropped(ctx, p) {
			if cerr := e.store.ClearPendingAward(ctx, q.ID); cerr != nil {
				r := failed(q.ID, apperr.Store(cerr))
				r.Tx = p.TxHash
				return r
			}
			logger.Warn("settlement: award transaction dropped", slog.Int64("question_id", q.ID), slog.String("tx", p.TxHash))
			r := failed(q.ID, apperr.Ledger("", "Award transaction dropped", err))
			r.Tx = p.TxHash
			r.Reason = "dropped"
			return r
		}
		r := failed(q.ID, apperr.Ledger("", "Award transaction not confirmed", err))
		r.Status = ResultPending
		r.Tx = p.TxHash
		return r
	}

	ok, err := e.store.MarkAwarded(ctx, q.ID, p.WinnerFID, p.TxHash, e.now().UnixMilli())
	if err != nil {
		// the chain already paid out; the pending record lets Reconcile finish this
		r := failed(q.ID, apperr.Store(err))
		r.Tx = p.TxHash
		return r
	}
	if !ok {
		return Result{ID: q.ID, Status: ResultSkipped, Reason: "settled", Tx: p.TxHash}
	}
	e.notifyWinner(ctx, q, p.WinnerFID, p.AnswerID)
	w := p.WinnerFID
	return Result{ID: q.ID, Status: ResultAwarded, Winner: &w, Tx: p.TxHash}
}

// dropped reports whether p is older than the drop window and the node no
// longer has its transaction.
func (e *Engine) dropped(ctx context.Context, p models.PendingAward) bool {
	if p.Submitted == 0 || ctx.Err() != nil {
		return false
	}
	if e.now().Sub(time.UnixMilli(p.Submitted)) < e.cfg.DropAfter {
		return false
	}
	start := e.now()
	known, err := e.ledger.Known(ctx, p.TxHash)
	e.ledgerCall("lookup_tx", start, err)
	if err != nil {
		logger.Warn("settlement: pending tx lookup failed", slog.String("tx", p.TxHash), slog.Any("err", err))
		return false
	}
	return !known
}

func (e *Engine) notifyWinner(ctx context.Context, q *models.Question, winnerFID, answerID int64) {
	if e.notifier == nil {
		return
	}
	qid, from := q.ID, q.FID
	n := &models.Notification{
		UserFID:    winnerFID,
		Type:       models.NotificationBountyWon,
		QuestionID: &qid,
		FromFID:    &from,
		Message:    fmt.Sprintf("Your answer won the %s %s bounty!", q.Bounty.String(), q.Token),
		Created:    e.now().UnixMilli(),
	}
	if answerID > 0 {
		aid := answerID
		n.AnswerID = &aid
	}
	e.notifier.Notify(ctx, n)
}

// Reconcile finalizes or clears every recorded award transaction that has
// not yet been applied locally.
func (e *Engine) Reconcile(ctx context.Context) ([]Result, error) {
	results := []Result{}
	var after int64
	for ctx.Err() == nil {
		qs, err := e.store.ListPendingAwards(ctx, after, e.cfg.BatchSize)
		if err != nil {
			return results, apperr.Store(fmt.Errorf("list pending awards: %w", err))
		}
		if len(qs) == 0 {
			break
		}
		for _, q := range qs {
			if ctx.Err() != nil {
				break
			}
			r := e.settle(ctx, q.ID, ModeLedger)
			e.record("reconcile", r)
			results = append(results, r)
			after = q.ID
		}
	}
	return results, nil
}

// HandleAwardJob is the jobs.Handler for settlement.award. It returns an
// error while the award is still outstanding so the queue retries it.
func (e *Engine) HandleAwardJob(ctx context.Context, j *models.BackgroundJob) error {
	var p AwardJob
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return fmt.Errorf("decode award job: %w", err)
	}
	q, err := e.store.GetQuestion(ctx, p.QuestionID)
	if err != nil {
		return err
	}
	if q == nil || q.Status.Terminal() {
		return nil
	}
	r := e.settle(ctx, q.ID, ModeLedger)
	e.record("job", r)
	switch r.Status {
	case ResultAwarded, ResultExpired:
		return nil
	case ResultSkipped:
		if r.Reason == "busy" {
			return fmt.Errorf("question %d is being settled elsewhere", q.ID)
		}
		return nil
	}
	return fmt.Errorf("question %d: %s", q.ID, r.Error)
}

// ManualAwardRequest is an asker's early award, paid from their own wallet.
type ManualAwardRequest struct {
	QuestionID int64
	FID        int64
	TxHash     string
	// WinnerFID picks the answer; nil picks the top answer.
	WinnerFID *int64
}

// ManualAward verifies the asker's award transaction on chain and records
// the winner. Any answer may be chosen.
func (e *Engine) ManualAward(ctx context.Context, req ManualAwardRequest) (Result, error) {
	q, err := e.store.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return Result{}, apperr.Store(err)
	}
	if q == nil {
		return Result{}, apperr.NotFound("Question")
	}
	if q.FID != req.FID {
		return Result{}, apperr.Unauthorized("Only the question creator can award the bounty")
	}
	if q.Status != models.StatusOpen {
		return Result{}, apperr.Conflict(apperr.CodeAlreadySettled, "Question is already "+string(q.Status))
	}
	if !ledger.ValidTxHash(req.TxHash) {
		return Result{}, apperr.Invalid("Invalid transaction hash")
	}

	answers, err := e.store.ListAnswers(ctx, q.ID)
	if err != nil {
		return Result{}, apperr.Store(err)
	}
	var winner models.Answer
	if req.WinnerFID != nil {
		found := false
		for _, a := range answers {
			if a.FID == *req.WinnerFID {
				winner, found = a, true
				break
			}
		}
		if !found {
			return Result{}, apperr.NotFound("Answer")
		}
	} else {
		var ok bool
		if winner, ok = SelectWinner(answers); !ok {
			return Result{}, apperr.Invalid("Question has no answers")
		}
	}
	if !ledger.ValidAddress(winner.Address) {
		return Result{}, apperr.Validation("Winning answer has no wallet address", "answer "+fmt.Sprint(winner.ID))
	}
	if q.OnchainID < 0 {
		return Result{}, apperr.Ledger(apperr.CodeInvalidOnchain, "Question has no on-chain id", nil)
	}
	if e.ledger == nil {
		return Result{}, apperr.Ledger("", "Ledger not configured", nil)
	}

	ok, err := e.claim(ctx, q.ID)
	if err != nil {
		return Result{}, apperr.Store(err)
	}
	if !ok {
		return Result{}, apperr.Conflict(apperr.CodeAlreadySettled, "Settlement already in progress")
	}
	defer e.release(q.ID)

	start := e.now()
	err = e.ledger.WaitMined(ctx, req.TxHash)
	if err == nil {
		err = e.ledger.VerifyAward(ctx, req.TxHash, q.OnchainID, winner.Address)
	}
	e.ledgerCall("verify_award", start, err)
	if err != nil {
		r := failed(q.ID, err)
		e.record("manual", r)
		return Result{}, apperr.Ledger("", "Award transaction could not be verified", err)
	}

	ok, err = e.store.MarkAwarded(ctx, q.ID, winner.FID, req.TxHash, e.now().UnixMilli())
	if err != nil {
		return Result{}, apperr.Store(err)
	}
	if !ok {
		return Result{}, apperr.Conflict(apperr.CodeAlreadySettled, "Question already settled")
	}
	e.notifyWinner(ctx, q, winner.FID, winner.ID)
	w := winner.FID
	r := Result{ID: q.ID, Status: ResultAwarded, Winner: &w, Tx: req.TxHash}
	e.record("manual", r)
	logger.Info("settlement: manual award", slog.Int64("question_id", q.ID), slog.Int64("winner_fid", w), slog.String("tx", req.TxHash))
	return r, nil
}

// Run sweeps in ModeLedger and reconciles on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.Reconcile(ctx); err != nil {
				logger.Warn("settlement: reconcile failed", slog.Any("err", err))
			}
			if _, err := e.Sweep(ctx, ModeLedger); err != nil {
				logger.Warn("settlement: scheduled sweep failed", slog.Any("err", err))
			}
		}
	}
}
