package neynar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/garnizeh/bountycast/internal/config"
	"github.com/garnizeh/bountycast/pkg/models"
)

var (
	ErrCircuitOpen = errors.New("neynar circuit open")
	ErrNoAPIKey    = errors.New("neynar api key not configured")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("neynar returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client talks to the Neynar v2 API with retries, a per-request timeout and
// a simple circuit breaker.
type Client struct {
	cfg    config.EligibilityConfig
	base   *url.URL
	client *http.Client

	// simple circuit breaker state
	failures  int32
	openUntil int64 // unix nano
	closed    int32 // atomic flag for Close()
}

// User is the subset of a Neynar user object this service reads.
type User struct {
	FID               int64  `json:"fid"`
	Username          string `json:"username"`
	DisplayName       string `json:"display_name"`
	PfpURL            string `json:"pfp_url"`
	CustodyAddress    string `json:"custody_address"`
	PowerBadge        bool   `json:"power_badge"`
	VerifiedAddresses struct {
		EthAddresses []string `json:"eth_addresses"`
	} `json:"verified_addresses"`
	Score        *float64 `json:"score"`
	Experimental struct {
		Score           *float64 `json:"score"`
		NeynarUserScore *float64 `json:"neynar_user_score"`
	} `json:"experimental"`
}

// ReputationScore returns the first score present among the locations the
// API has used over time, or 0.
func (u *User) ReputationScore() float64 {
	for _, s := range []*float64{u.Score, u.Experimental.NeynarUserScore, u.Experimental.Score} {
		if s != nil {
			return *s
		}
	}
	return 0
}

// Owns reports whether addr is the custody address or a verified address of
// the user. Comparison is case-insensitive.
func (u *User) Owns(addr string) bool {
	if addr == "" {
		return false
	}
	if strings.EqualFold(u.CustodyAddress, addr) {
		return true
	}
	for _, a := range u.VerifiedAddresses.EthAddresses {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

// Profile converts the user into the summary shown next to questions.
func (u *User) Profile() models.Profile {
	return models.Profile{FID: u.FID, Username: u.Username, DisplayName: u.DisplayName, PfpURL: u.PfpURL}
}

// NewClient creates a new Neynar client.
func NewClient(cfg config.EligibilityConfig, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	logger.Info("neynar: NewClient created", slog.String("base_url", cfg.BaseURL), slog.Duration("timeout", cfg.Timeout), slog.Bool("api_key", cfg.APIKey != ""))
	return &Client{cfg: cfg, base: u, client: httpClient}, nil
}

func NewDefaultClient(cfg config.EligibilityConfig) (*Client, error) {
	defaultClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 15 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	return NewClient(cfg, defaultClient)
}

// HasAPIKey reports whether requests can be authenticated.
func (c *Client) HasAPIKey() bool { return c != nil && c.cfg.APIKey != "" }

func (c *Client) isCircuitOpen() bool {
	if c.cfg.CircuitFailureThreshold <= 0 || atomic.LoadInt32(&c.failures) < int32(c.cfg.CircuitFailureThreshold) {
		return false
	}
	if time.Now().UnixNano() < atomic.LoadInt64(&c.openUntil) {
		return true
	}
	// half-open: reset failures and allow a request
	atomic.StoreInt32(&c.failures, 0)
	return false
}

func (c *Client) recordFailure() {
	v := atomic.AddInt32(&c.failures, 1)
	if c.cfg.CircuitFailureThreshold > 0 && v >= int32(c.cfg.CircuitFailureThreshold) {
		atomic.StoreInt64(&c.openUntil, time.Now().Add(c.cfg.CircuitReset).UnixNano())
	}
}

// Close releases idle connections on the underlying transport. Close is
// idempotent.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.client != nil && c.client.Transport != nil {
		if tr, ok := c.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
			logger.Info("neynar: client Close() called - CloseIdleConnections invoked")
		}
	}
	return nil
}

// package-level logger for pkg/neynar; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/neynar. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// do performs one API call with retries. A 404 is returned as a StatusError
// without retrying.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if c.cfg.APIKey == "" {
		return ErrNoAPIKey
	}
	if c.isCircuitOpen() {
		return ErrCircuitOpen
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	u := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.Backoff * time.Duration(attempt)):
			}
			if c.isCircuitOpen() {
				return ErrCircuitOpen
			}
		}
		err := c.once(ctx, method, u.String(), payload, out)
		if err == nil {
			atomic.StoreInt32(&c.failures, 0)
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		c.recordFailure()
		logger.Warn("neynar: request failed", slog.String("path", path), slog.Int("attempt", attempt), slog.Any("err", err))
	}
	return fmt.Errorf("neynar %s failed after retries: %w", path, lastErr)
}

func (c *Client) once(ctx context.Context, method, u string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("api_key", c.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Users fetches users in bulk. Unknown fids are absent from the result.
func (c *Client) Users(ctx context.Context, fids []int64) (map[int64]*User, error) {
	out := make(map[int64]*User, len(fids))
	if len(fids) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(fids))
	for _, f := range fids {
		ids = append(ids, strconv.FormatInt(f, 10))
	}
	var resp struct {
		Users []User `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/v2/farcaster/user/bulk", url.Values{"fids": {strings.Join(ids, ",")}}, nil, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return out, nil
		}
		return nil, err
	}
	for i := range resp.Users {
		u := resp.Users[i]
		out[u.FID] = &u
	}
	return out, nil
}

// User returns a single user, or nil when the fid is unknown.
func (c *Client) User(ctx context.Context, fid int64) (*User, error) {
	users, err := c.Users(ctx, []int64{fid})
	if err != nil {
		return nil, err
	}
	return users[fid], nil
}

// Profiles returns profile summaries for fids. Unknown fids are omitted.
func (c *Client) Profiles(ctx context.Context, fids []int64) (map[int64]models.Profile, error) {
	users, err := c.Users(ctx, fids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]models.Profile, len(users))
	for fid, u := range users {
		out[fid] = u.Profile()
	}
	return out, nil
}

// VerifyAppKey asks the API whether appKey (hex ed25519 public key) is an
// active app key of fid.
func (c *Client) VerifyAppKey(ctx context.Context, fid int64, appKey string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	q := url.Values{"fid": {strconv.FormatInt(fid, 10)}, "app_key": {appKey}}
	if err := c.do(ctx, http.MethodGet, c.cfg.AppKeyPath, q, nil, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return resp.Valid, nil
}
