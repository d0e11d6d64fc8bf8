package api

import (
	"net/http"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/bounty"
)

type AnswersHandler struct {
	svc *bounty.Service
}

func NewAnswersHandler(svc *bounty.Service) *AnswersHandler {
	return &AnswersHandler{svc: svc}
}

func (h *AnswersHandler) List(w http.ResponseWriter, r *http.Request) {
	qid, err := queryInt(r, "questionId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	answers, err := h.svc.ListAnswers(r.Context(), qid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answers)
}

func (h *AnswersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in bounty.AnswerInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &in.FID); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.svc.SubmitAnswer(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

type upvoteRequest struct {
	AnswerID int64 `json:"answerId"`
	ID       int64 `json:"id"`
	FID      int64 `json:"fid"`
}

func (h *AnswersHandler) Upvote(w http.ResponseWriter, r *http.Request) {
	var req upvoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &req.FID); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AnswerID == 0 {
		req.AnswerID = req.ID
	}
	res, err := h.svc.ToggleUpvote(r.Context(), req.AnswerID, req.FID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type CommentsHandler struct {
	svc *bounty.Service
}

func NewCommentsHandler(svc *bounty.Service) *CommentsHandler {
	return &CommentsHandler{svc: svc}
}

func (h *CommentsHandler) List(w http.ResponseWriter, r *http.Request) {
	aid, err := queryInt(r, "answerId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	comments, err := h.svc.ListComments(r.Context(), aid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func (h *CommentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in bounty.CommentInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &in.FID); err != nil {
		writeError(w, r, err)
		return
	}
	if in.AnswerID <= 0 {
		writeError(w, r, apperr.MissingFields("answerId"))
		return
	}
	id, err := h.svc.AddComment(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}
