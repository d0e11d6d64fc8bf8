package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/bounty"
	"github.com/garnizeh/bountycast/internal/settlement"
	"github.com/garnizeh/bountycast/pkg/models"
)

type QuestionsHandler struct {
	svc    *bounty.Service
	engine *settlement.Engine
	// sweepTimeout bounds the settlement endpoints, which wait on the ledger.
	sweepTimeout time.Duration
}

func NewQuestionsHandler(svc *bounty.Service, engine *settlement.Engine, sweepTimeout time.Duration) *QuestionsHandler {
	return &QuestionsHandler{svc: svc, engine: engine, sweepTimeout: sweepTimeout}
}

type idResponse struct {
	ID int64 `json:"id"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func queryInt(r *http.Request, names ...string) (int64, error) {
	for _, name := range names {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, apperr.Invalid("Invalid " + name)
		}
		return n, nil
	}
	return 0, nil
}

func (h *QuestionsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	author, err := queryInt(r, "authorId", "fid")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, r, err)
		return
	}
	views, err := h.svc.ListQuestions(r.Context(), models.QuestionFilter{
		Search:    q.Get("search"),
		Category:  q.Get("category"),
		Status:    models.QuestionStatus(q.Get("status")),
		AuthorFID: author,
		Sort:      q.Get("sort"),
		Limit:     int(limit),
		Offset:    int(offset),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *QuestionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, r, apperr.Invalid("Invalid question id"))
		return
	}
	v, err := h.svc.GetQuestion(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *QuestionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in bounty.CreateQuestionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &in.FID); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.svc.CreateQuestion(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (h *QuestionsHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var in bounty.EditQuestionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &in.FID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.EditQuestion(r.Context(), in); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type resolveRequest struct {
	QuestionID int64  `json:"questionId"`
	FID        int64  `json:"fid"`
	TxHash     string `json:"txHash"`
	WinnerFID  *int64 `json:"winnerFid,omitempty"`
}

type resolveResponse struct {
	Success bool              `json:"success"`
	Result  settlement.Result `json:"result"`
}

// Resolve records an early award the asker paid on chain.
func (h *QuestionsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &req.FID); err != nil {
		writeError(w, r, err)
		return
	}
	var missing []string
	if req.QuestionID <= 0 {
		missing = append(missing, "questionId")
	}
	if req.FID <= 0 {
		missing = append(missing, "fid")
	}
	if req.TxHash == "" {
		missing = append(missing, "txHash")
	}
	if len(missing) > 0 {
		writeError(w, r, apperr.MissingFields(missing...))
		return
	}
	res, err := h.engine.ManualAward(r.Context(), settlement.ManualAwardRequest{
		QuestionID: req.QuestionID,
		FID:        req.FID,
		TxHash:     req.TxHash,
		WinnerFID:  req.WinnerFID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Success: true, Result: res})
}

type settleRequest struct {
	ID int64 `json:"id"`
}

// Settle runs the ledger settlement for one expired question.
func (h *QuestionsHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ID <= 0 {
		writeError(w, r, apperr.MissingFields("id"))
		return
	}
	ctx, cancel := h.settleContext(w, r)
	defer cancel()
	res, err := h.engine.SettleOne(ctx, req.ID, settlement.ModeLedger)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sweepResponse struct {
	Processed  int                 `json:"processed"`
	Reconciled []settlement.Result `json:"reconciled"`
	Results    []settlement.Result `json:"results"`
}

// AutoAward finishes outstanding award transactions, then sweeps every
// expired open question.
func (h *QuestionsHandler) AutoAward(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.settleContext(w, r)
	defer cancel()
	reconciled, err := h.engine.Reconcile(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	results, err := h.engine.Sweep(ctx, settlement.ModeLedger)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Processed: len(results), Reconciled: reconciled, Results: results})
}

// settleContext bounds a settlement request by the sweep timeout and moves
// the connection deadlines past it, since the server-wide timeouts are sized
// for ordinary reads.
func (h *QuestionsHandler) settleContext(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc) {
	if h.sweepTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	deadline := time.Now().Add(h.sweepTimeout + 5*time.Second)
	rc := http.NewResponseController(w)
	for _, set := range []func(time.Time) error{rc.SetReadDeadline, rc.SetWriteDeadline} {
		if err := set(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Warn("extend settlement deadline", slog.String("path", r.URL.Path), slog.Any("err", err))
		}
	}
	return context.WithTimeout(r.Context(), h.sweepTimeout)
}
