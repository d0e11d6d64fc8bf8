// Package eligibility implements the reputation gate that decides whether an
// identity may post questions, answers, upvotes and notification tokens.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/garnizeh/bountycast/internal/apperr"
)

// Reputation is what the gate needs to know about an identity.
type Reputation struct {
	Score    float64
	Elevated bool
}

// Source looks up the reputation of fid. It returns (nil, nil) when the
// identity definitively does not exist.
type Source interface {
	Reputation(ctx context.Context, fid int64) (*Reputation, error)
}

// Decision is the gate's answer for one request. It is never cached.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Recorder receives one label per decision, typically for metrics.
type Recorder interface {
	Eligibility(result string)
}

// Gate applies the rule allowed = elevated OR score > MinScore. Lookup
// failures fail open.
type Gate struct {
	source   Source
	minScore float64
	recorder Recorder
}

// package-level logger; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the package logger. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// New returns a gate. A nil source lets everyone through.
func New(source Source, minScore float64, recorder Recorder) *Gate {
	return &Gate{source: source, minScore: minScore, recorder: recorder}
}

func (g *Gate) record(result string) {
	if g.recorder != nil {
		g.recorder.Eligibility(result)
	}
}

// Check returns the decision for fid.
func (g *Gate) Check(ctx context.Context, fid int64) Decision {
	if g.source == nil {
		g.record("skipped")
		return Decision{Allowed: true}
	}
	rep, err := g.source.Reputation(ctx, fid)
	if err != nil {
		logger.Warn("eligibility lookup failed, allowing", "fid", fid, "err", err)
		g.record("fail_open")
		return Decision{Allowed: true}
	}
	if rep == nil {
		g.record("not_found")
		return Decision{Allowed: false, Reason: "User not found on Farcaster"}
	}
	if rep.Elevated || rep.Score > g.minScore {
		g.record("allowed")
		return Decision{Allowed: true, Score: rep.Score}
	}
	g.record("denied")
	return Decision{
		Allowed: false,
		Score:   rep.Score,
		Reason:  fmt.Sprintf("Eligibility failed. Requirements: Pro User or Neynar Score > %g. (Your Score: %g)", g.minScore, rep.Score),
	}
}

// Require returns an Eligibility error when fid is not allowed.
func (g *Gate) Require(ctx context.Context, fid int64) error {
	d := g.Check(ctx, fid)
	if d.Allowed {
		return nil
	}
	return apperr.NotEligible(d.Reason, fmt.Sprintf("requires power badge or score > %g; current score %g", g.minScore, d.Score))
}
