package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/config"
	"github.com/garnizeh/bountycast/internal/metrics"
)

type ctxKey string

const CtxFID ctxKey = "fid"

// package-level logger used by middleware and helpers; can be set via SetLogger from caller
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger installs a logger for the api package. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// statusRecorder captures the status written by the next handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the connection.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic", slog.Any("err", err), slog.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error", Code: apperr.CodeInternal})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// MetricsMiddleware records request counts and latency by route template.
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if cr := mux.CurrentRoute(r); cr != nil {
				if tpl, err := cr.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.InFlight(1)
			defer m.InFlight(-1)
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.ObserveRequest(route, r.Method, rec.status, time.Since(start))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// parseFID validates a session token and returns its fid claim.
func parseFID(tokenString, secret string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("unexpected claims")
	}
	// JSON numbers decode as float64
	switch id := claims["fid"].(type) {
	case float64:
		if id > 0 {
			return int64(id), nil
		}
	case int64:
		if id > 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("token has no fid claim")
}

// IdentityMiddleware puts the fid of a valid bearer token into the request
// context. A present but invalid token is rejected. With requireToken,
// mutating requests without a token are rejected too.
func IdentityMiddleware(secret string, requireToken bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				if requireToken && r.Method != http.MethodGet && r.Method != http.MethodOptions {
					writeError(w, r, apperr.Unauthorized("Missing session token"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			fid, err := parseFID(tok, secret)
			if err != nil {
				logger.Warn("rejected session token", slog.Any("err", err), slog.String("path", r.URL.Path))
				writeError(w, r, apperr.Unauthorized("Invalid or expired token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), CtxFID, fid)))
		})
	}
}

// FIDFromContext returns the fid set by IdentityMiddleware.
func FIDFromContext(ctx context.Context) (int64, bool) {
	fid, ok := ctx.Value(CtxFID).(int64)
	return fid, ok
}

// identity reconciles a body fid with the session. The session wins and a
// different body fid is rejected.
func identity(r *http.Request, fid *int64) error {
	sess, ok := FIDFromContext(r.Context())
	if !ok {
		return nil
	}
	if *fid != 0 && *fid != sess {
		return apperr.Unauthorized("fid does not match the session")
	}
	*fid = sess
	return nil
}

// CronAuthMiddleware guards scheduler endpoints with a shared bearer secret,
// compared in constant time or against a bcrypt hash. With neither
// configured every caller is let through.
func CronAuthMiddleware(cfg config.CronConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Secret == "" && cfg.SecretHash == "" {
				next.ServeHTTP(w, r)
				return
			}
			tok := bearerToken(r)
			ok := tok != "" && (cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(cfg.Secret)) == 1 ||
				cfg.SecretHash != "" && bcrypt.CompareHashAndPassword([]byte(cfg.SecretHash), []byte(tok)) == nil)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized", Code: apperr.CodeUnauthorized})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
