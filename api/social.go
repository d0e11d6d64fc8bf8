package api

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/bounty"
	"github.com/garnizeh/bountycast/pkg/farcaster"
)

type SocialHandler struct {
	svc    *bounty.Service
	parser *farcaster.Parser
}

func NewSocialHandler(svc *bounty.Service, parser *farcaster.Parser) *SocialHandler {
	return &SocialHandler{svc: svc, parser: parser}
}

// Eligibility answers 200 when fid may post and 403 with the reason when not.
func (h *SocialHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	fid, err := queryInt(r, "fid")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &fid); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.svc.CheckEligibility(r.Context(), fid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, d)
}

func (h *SocialHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := h.svc.Leaderboard(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *SocialHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	fid, err := strconv.ParseInt(mux.Vars(r)["fid"], 10, 64)
	if err != nil {
		writeError(w, r, apperr.Invalid("Invalid FID"))
		return
	}
	st, err := h.svc.UserStats(r.Context(), fid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *SocialHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	fid, err := queryInt(r, "fid")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &fid); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.svc.Notifications(r.Context(), fid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type markReadRequest struct {
	FID             int64   `json:"fid"`
	NotificationIDs []int64 `json:"notificationIds"`
}

type markReadResponse struct {
	Success bool  `json:"success"`
	Updated int64 `json:"updated"`
}

func (h *SocialHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &req.FID); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.svc.MarkRead(r.Context(), req.FID, req.NotificationIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Success: true, Updated: n})
}

func (h *SocialHandler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var in bounty.TokenInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := identity(r, &in.FID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.RegisterToken(r.Context(), in); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Webhook applies a signed event from the host client.
func (h *SocialHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.Invalid("Invalid request"))
		return
	}
	ev, err := h.parser.Parse(r.Context(), body)
	if err != nil {
		logger.Warn("webhook rejected", slog.Any("err", err))
		writeError(w, r, apperr.Invalid("Invalid request"))
		return
	}
	if err := h.svc.HandleWebhookEvent(r.Context(), ev); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
