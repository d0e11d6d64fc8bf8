package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/pkg/ledger"
	"github.com/garnizeh/bountycast/pkg/neynar"
)

// UserLookup resolves a social identity. It returns (nil, nil) for an
// unknown fid. *neynar.Client satisfies it.
type UserLookup interface {
	User(ctx context.Context, fid int64) (*neynar.User, error)
}

type AuthHandler struct {
	users         UserLookup
	jwtSecret     string
	tokenDuration time.Duration
}

// NewAuthHandler creates a new AuthHandler with required dependencies.
func NewAuthHandler(users UserLookup, jwtSecret string, tokenDuration time.Duration) *AuthHandler {
	return &AuthHandler{users: users, jwtSecret: jwtSecret, tokenDuration: tokenDuration}
}

type sessionRequest struct {
	FID       int64  `json:"fid"`
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type authResponse struct {
	Token     string `json:"token"`
	FID       int64  `json:"fid"`
	ExpiresAt int64  `json:"expiresAt"`
}

// IssueToken signs a session token carrying fid.
func IssueToken(secret string, fid int64, d time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(d)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"fid": fid,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	return s, exp, err
}

// Session exchanges a wallet signature for a session token. The signed
// message must name the fid, and the signing address must belong to it.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var missing []string
	if req.FID <= 0 {
		missing = append(missing, "fid")
	}
	if req.Address == "" {
		missing = append(missing, "address")
	}
	if req.Message == "" {
		missing = append(missing, "message")
	}
	if req.Signature == "" {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		writeError(w, r, apperr.MissingFields(missing...))
		return
	}
	if !ledger.ValidAddress(req.Address) {
		writeError(w, r, apperr.Invalid("Invalid wallet address"))
		return
	}
	if !strings.Contains(req.Message, strconv.FormatInt(req.FID, 10)) {
		writeError(w, r, apperr.Invalid("Signed message must contain the fid"))
		return
	}

	recovered, err := ledger.RecoverPersonalSign(req.Message, req.Signature)
	if err != nil {
		writeError(w, r, apperr.Invalid("Invalid signature"))
		return
	}
	signer := recovered.Hex()
	if !strings.EqualFold(signer, req.Address) {
		writeError(w, r, apperr.Unauthorized("Signature does not match address"))
		return
	}

	ctx := r.Context()
	user, err := h.users.User(ctx, req.FID)
	if err != nil {
		writeError(w, r, fmt.Errorf("identity lookup: %w", err))
		return
	}
	if user == nil {
		writeError(w, r, apperr.NotFound("User"))
		return
	}
	if !user.Owns(signer) {
		writeError(w, r, apperr.Unauthorized("Address is not linked to this fid"))
		return
	}

	tokenStr, exp, err := IssueToken(h.jwtSecret, req.FID, h.tokenDuration)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: tokenStr, FID: req.FID, ExpiresAt: exp.UnixMilli()})
}
