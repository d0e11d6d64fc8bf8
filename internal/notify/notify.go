// Package notify records in-app notifications and delivers push messages to
// the token the host platform registered for the recipient. Delivery is best
// effort: failures are logged and never reach the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/bountycast/internal/jobs"
	"github.com/garnizeh/bountycast/pkg/models"
)

// package-level logger; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the package logger. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Store is the persistence the dispatcher needs.
type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) (int64, error)
	GetToken(ctx context.Context, fid int64) (*models.NotificationToken, error)
	DeleteToken(ctx context.Context, fid int64) error
}

// Queue accepts push jobs. *jobs.Repository satisfies it.
type Queue interface {
	Submit(ctx context.Context, typ string, payload any, o jobs.SubmitOpts) (int64, error)
}

// Recorder counts notifications by type, channel and result.
type Recorder interface {
	Notification(typ, channel, result string)
}

// ErrTokenURL marks a notification endpoint pushes may not be sent to.
var ErrTokenURL = errors.New("notification url not allowed")

// URLPolicy limits notification endpoints to https and, when Hosts is set,
// to those hosts and their subdomains.
type URLPolicy struct {
	Hosts []string
}

// Check returns an error wrapping ErrTokenURL when raw is not allowed.
func (p URLPolicy) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" || u.User != nil {
		return fmt.Errorf("%w: %q is not a plain https url", ErrTokenURL, raw)
	}
	if len(p.Hosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range p.Hosts {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %s", ErrTokenURL, host)
}

// PushPayload is the body of a notify.push job.
type PushPayload struct {
	NotificationID string `json:"notification_id"`
	FID            int64  `json:"fid"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	TargetURL      string `json:"target_url"`
}

// pushRequest is what the host's notification endpoint accepts.
type pushRequest struct {
	NotificationID string   `json:"notificationId"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	TargetURL      string   `json:"targetUrl"`
	Tokens         []string `json:"tokens"`
}

// Host limits for push content.
const (
	maxTitle = 32
	maxBody  = 128
)

type Dispatcher struct {
	store     Store
	queue     Queue
	client    *http.Client
	publicURL string
	recorder  Recorder
	policy    URLPolicy
}

type Option func(*Dispatcher)

// WithQueue defers push delivery to the job queue. Without a queue pushes
// are sent inline.
func WithQueue(q Queue) Option { return func(d *Dispatcher) { d.queue = q } }

func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.recorder = r } }

// WithURLPolicy restricts where pushes go. The default policy only requires
// https.
func WithURLPolicy(p URLPolicy) Option { return func(d *Dispatcher) { d.policy = p } }

func New(store Store, publicURL string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		client:    &http.Client{Timeout: 5 * time.Second},
		publicURL: strings.TrimRight(publicURL, "/"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) record(typ models.NotificationType, channel, result string) {
	if d.recorder != nil {
		d.recorder.Notification(string(typ), channel, result)
	}
}

// Notify stores n and schedules a push to its recipient. Self-notifications
// (FromFID == UserFID) are dropped.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification) {
	if d == nil || n == nil {
		return
	}
	if n.FromFID != nil && *n.FromFID == n.UserFID {
		return
	}
	if n.Created == 0 {
		n.Created = time.Now().UnixMilli()
	}
	id, err := d.store.CreateNotification(ctx, n)
	if err != nil {
		logger.Warn("notify: store notification failed", slog.Int64("fid", n.UserFID), slog.String("type", string(n.Type)), slog.Any("err", err))
		d.record(n.Type, "inapp", "error")
		return
	}
	n.ID = id
	d.record(n.Type, "inapp", "ok")

	p := PushPayload{
		NotificationID: uuid.NewString(),
		FID:            n.UserFID,
		Type:           string(n.Type),
		Title:          truncate(Title(n.Type), maxTitle),
		Body:           truncate(n.Message, maxBody),
		TargetURL:      d.targetURL(n.QuestionID),
	}
	if d.queue == nil {
		if err := d.Push(ctx, p); err != nil {
			logger.Warn("notify: push failed", slog.Int64("fid", p.FID), slog.Any("err", err))
		}
		return
	}
	if _, err := d.queue.Submit(ctx, jobs.TypeNotifyPush, p, jobs.SubmitOpts{MaxAttempts: 3}); err != nil {
		logger.Warn("notify: enqueue push failed", slog.Int64("fid", p.FID), slog.Any("err", err))
		d.record(n.Type, "push", "error")
	}
}

// Title is the push title for a notification type.
func Title(t models.NotificationType) string {
	switch t {
	case models.NotificationAnswer:
		return "New answer"
	case models.NotificationUpvote:
		return "New upvote"
	case models.NotificationComment:
		return "New comment"
	case models.NotificationBountyWon:
		return "You won a bounty!"
	}
	return "BountyCast"
}

func (d *Dispatcher) targetURL(questionID *int64) string {
	if questionID == nil || d.publicURL == "" {
		return d.publicURL
	}
	return fmt.Sprintf("%s/question/%d", d.publicURL, *questionID)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// HandlePush is the jobs.Handler for notify.push.
func (d *Dispatcher) HandlePush(ctx context.Context, j *models.BackgroundJob) error {
	var p PushPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}
	return d.Push(ctx, p)
}

// Push delivers p to the recipient's registered endpoint. A missing token is
// not an error. A token whose URL the policy rejects, or a 4xx response,
// drops the token and is not retried; other failures are returned so the job
// can be retried.
func (d *Dispatcher) Push(ctx context.Context, p PushPayload) error {
	typ := models.NotificationType(p.Type)
	tok, err := d.store.GetToken(ctx, p.FID)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if tok == nil {
		d.record(typ, "push", "no_token")
		return nil
	}
	if err := d.policy.Check(tok.URL); err != nil {
		logger.Warn("notify: token url not allowed, dropping token", slog.Int64("fid", p.FID), slog.Any("err", err))
		d.record(typ, "push", "rejected")
		if err := d.store.DeleteToken(ctx, p.FID); err != nil {
			return fmt.Errorf("delete token: %w", err)
		}
		return nil
	}
	if p.NotificationID == "" {
		p.NotificationID = uuid.NewString()
	}
	body, err := json.Marshal(pushRequest{
		NotificationID: p.NotificationID,
		Title:          p.Title,
		Body:           p.Body,
		TargetURL:      p.TargetURL,
		Tokens:         []string{tok.Token},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tok.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		d.record(typ, "push", "error")
		return fmt.Errorf("push to fid %d: %w", p.FID, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.record(typ, "push", "ok")
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		logger.Warn("notify: push rejected, dropping token", slog.Int64("fid", p.FID), slog.Int("status", resp.StatusCode), slog.String("body", string(msg)))
		d.record(typ, "push", "rejected")
		if err := d.store.DeleteToken(ctx, p.FID); err != nil {
			return fmt.Errorf("delete token: %w", err)
		}
		return nil
	default:
		d.record(typ, "push", "error")
		return fmt.Errorf("push to fid %d: status %d: %s", p.FID, resp.StatusCode, msg)
	}
}
