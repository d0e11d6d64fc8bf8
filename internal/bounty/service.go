// Package bounty holds the question, answer, upvote, comment and
// notification use cases behind the HTTP API.
package bounty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/garnizeh/bountycast/internal/apperr"
	"github.com/garnizeh/bountycast/internal/config"
	"github.com/garnizeh/bountycast/internal/eligibility"
	"github.com/garnizeh/bountycast/internal/notify"
	"github.com/garnizeh/bountycast/internal/ratelimit"
	"github.com/garnizeh/bountycast/internal/settlement"
	"github.com/garnizeh/bountycast/pkg/ledger"
	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository"
)

// package-level logger; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the package logger. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Gate is the eligibility check. *eligibility.Gate satisfies it.
type Gate interface {
	Check(ctx context.Context, fid int64) eligibility.Decision
	Require(ctx context.Context, fid int64) error
}

// Settler runs the bounded sweep done before listings.
type Settler interface {
	LazySweep(ctx context.Context) []settlement.Result
}

type Notifier interface {
	Notify(ctx context.Context, n *models.Notification)
}

// Profiles resolves display profiles. Unknown fids are omitted.
type Profiles interface {
	Profiles(ctx context.Context, fids []int64) (map[int64]models.Profile, error)
}

// RateRecorder counts rejected requests per rule.
type RateRecorder interface {
	RateLimited(rule string)
}

// Rules are the per-identity rate limits.
type Rules struct {
	Questions     ratelimit.Rule
	Answers       ratelimit.Rule
	Notifications ratelimit.Rule
}

// RulesFrom builds the rate limit rules from configuration.
func RulesFrom(c config.RateLimitConfig) Rules {
	return Rules{
		Questions:     ratelimit.Rule{Name: "questions", Limit: c.QuestionsPerHour, Window: time.Hour},
		Answers:       ratelimit.Rule{Name: "answers", Limit: c.AnswersPerHour, Window: time.Hour},
		Notifications: ratelimit.Rule{Name: "notifications", Limit: c.NotificationsPerMinute, Window: time.Minute},
	}
}

type Service struct {
	store    repository.Store
	cfg      config.BountyConfig
	gate     Gate
	settler  Settler
	notifier Notifier
	profiles Profiles
	limiter  ratelimit.Limiter
	rules    Rules
	rates    RateRecorder
	tokens   notify.URLPolicy
	validate *validator.Validate
	now      func() time.Time
}

type Option func(*Service)

func WithGate(g Gate) Option { return func(s *Service) { s.gate = g } }

func WithSettler(st Settler) Option { return func(s *Service) { s.settler = st } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithProfiles(p Profiles) Option { return func(s *Service) { s.profiles = p } }

func WithRateLimit(l ratelimit.Limiter, r Rules) Option {
	return func(s *Service) { s.limiter, s.rules = l, r }
}

func WithRateRecorder(r RateRecorder) Option { return func(s *Service) { s.rates = r } }

// WithTokenPolicy restricts the endpoints a notification token may point
// to. The default only requires https.
func WithTokenPolicy(p notify.URLPolicy) Option { return func(s *Service) { s.tokens = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New returns a service. cfg must have been validated.
func New(store repository.Store, cfg config.BountyConfig, opts ...Option) *Service {
	s := &Service{store: store, cfg: cfg, validate: newValidator(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("ethaddr", func(fl validator.FieldLevel) bool {
		return ledger.ValidAddress(fl.Field().String())
	})
	return v
}

// check runs struct validation and maps failures onto the error taxonomy.
func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Invalid(err.Error())
	}
	var missing, bad []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
			continue
		}
		bad = append(bad, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	if len(missing) > 0 {
		return apperr.MissingFields(missing...)
	}
	return apperr.Validation("Invalid input", strings.Join(bad, "; "))
}

// enforce applies a rate limit rule. Backend failures let the request
// through.
func (s *Service) enforce(ctx context.Context, rule ratelimit.Rule, fid int64) error {
	err := ratelimit.Enforce(ctx, s.limiter, rule, fid)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrRateLimit) {
		if s.rates != nil {
			s.rates.RateLimited(rule.Name)
		}
		return err
	}
	logger.Warn("bounty: rate limiter unavailable", slog.String("rule", rule.Name), slog.Any("err", err))
	return nil
}

func (s *Service) requireEligible(ctx context.Context, fid int64) error {
	if s.gate == nil {
		return nil
	}
	return s.gate.Require(ctx, fid)
}

// CheckEligibility reports the gate's decision for fid.
func (s *Service) CheckEligibility(ctx context.Context, fid int64) (eligibility.Decision, error) {
	if fid <= 0 {
		return eligibility.Decision{}, apperr.MissingFields("fid")
	}
	if s.gate == nil {
		return eligibility.Decision{Allowed: true}, nil
	}
	return s.gate.Check(ctx, fid), nil
}

func (s *Service) notify(ctx context.Context, n *models.Notification) {
	if s.notifier == nil {
		return
	}
	if n.Created == 0 {
		n.Created = s.now().UnixMilli()
	}
	s.notifier.Notify(ctx, n)
}

// profilesFor resolves profiles best effort.
func (s *Service) profilesFor(ctx context.Context, fids []int64) map[int64]models.Profile {
	if s.profiles == nil || len(fids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(fids))
	uniq := make([]int64, 0, len(fids))
	for _, f := range fids {
		if f > 0 && !seen[f] {
			seen[f] = true
			uniq = append(uniq, f)
		}
	}
	out, err := s.profiles.Profiles(ctx, uniq)
	if err != nil {
		logger.Warn("bounty: profile enrichment failed", slog.Int("fids", len(uniq)), slog.Any("err", err))
		return nil
	}
	return out
}

func profilePtr(m map[int64]models.Profile, fid int64) *models.Profile {
	if p, ok := m[fid]; ok {
		return &p
	}
	return nil
}

func int64Ptr(v int64) *int64 { return &v }
