package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/bountycast/internal/bounty"
	"github.com/garnizeh/bountycast/internal/config"
	"github.com/garnizeh/bountycast/internal/metrics"
	"github.com/garnizeh/bountycast/internal/settlement"
	"github.com/garnizeh/bountycast/pkg/farcaster"
)

// Deps are the collaborators the routes are built from.
type Deps struct {
	Config    *config.Config
	Version   string
	BuildTime string
	DB        Pinger
	Service   *bounty.Service
	Engine    *settlement.Engine
	Webhooks  *farcaster.Parser
	Users     UserLookup
	Metrics   *metrics.Metrics
}

func SetupRoutes(d Deps) *mux.Router {
	r := mux.NewRouter()
	cfg := d.Config

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)
	if d.Metrics != nil {
		r.Use(MetricsMiddleware(d.Metrics))
	}

	// Create handlers
	systemHandler := &SystemHandler{DB: d.DB}
	authHandler := NewAuthHandler(d.Users, cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	questions := NewQuestionsHandler(d.Service, d.Engine, cfg.Settlement.SweepTimeout)
	answers := NewAnswersHandler(d.Service)
	comments := NewCommentsHandler(d.Service)
	social := NewSocialHandler(d.Service, d.Webhooks)

	// Preflight requests only need the CORS headers
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(d.Version, d.BuildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler()).Methods("GET")
	}
	r.HandleFunc("/auth/session", authHandler.Session).Methods("POST")
	r.HandleFunc("/webhook", social.Webhook).Methods("POST")

	// Scheduler endpoints
	cron := r.NewRoute().Subrouter()
	cron.Use(CronAuthMiddleware(cfg.Cron))
	cron.HandleFunc("/cron/auto-award", questions.AutoAward).Methods("GET", "POST")
	cron.HandleFunc("/questions/settle", questions.Settle).Methods("POST")

	// Identity-aware endpoints
	app := r.NewRoute().Subrouter()
	app.Use(IdentityMiddleware(cfg.Auth.JWTSecret, cfg.Auth.RequireToken))

	app.HandleFunc("/eligibility", social.Eligibility).Methods("GET")

	app.HandleFunc("/questions", questions.List).Methods("GET")
	app.HandleFunc("/questions", questions.Create).Methods("POST")
	app.HandleFunc("/questions/edit", questions.Edit).Methods("PUT")
	app.HandleFunc("/questions/resolve", questions.Resolve).Methods("POST")
	app.HandleFunc("/questions/{id:[0-9]+}", questions.Get).Methods("GET")

	app.HandleFunc("/answers", answers.List).Methods("GET")
	app.HandleFunc("/answers", answers.Create).Methods("POST")
	app.HandleFunc("/answers/upvote", answers.Upvote).Methods("POST")

	app.HandleFunc("/comments", comments.List).Methods("GET")
	app.HandleFunc("/comments", comments.Create).Methods("POST")

	app.HandleFunc("/notifications", social.Notifications).Methods("GET")
	app.HandleFunc("/notifications/read", social.MarkRead).Methods("POST")
	app.HandleFunc("/notifications/register", social.RegisterToken).Methods("POST")

	app.HandleFunc("/leaderboard", social.Leaderboard).Methods("GET")
	app.HandleFunc("/users/{fid:[0-9]+}/stats", social.UserStats).Methods("GET")

	return r
}
