package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const insecureJWTSecret = "supersecretkey"

type Config struct {
	Env           string              `yaml:"env"`
	LogLevel      string              `yaml:"log_level"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Cron          CronConfig          `yaml:"cron"`
	Eligibility   EligibilityConfig   `yaml:"eligibility"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Bounty        BountyConfig        `yaml:"bounty"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Settlement    SettlementConfig    `yaml:"settlement"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
	// PublicURL is used to build links in push notifications.
	PublicURL string `yaml:"public_url"`
}

type DatabaseConfig struct {
	// DSN is a SQLite file path or a postgres:// URL.
	DSN            string `yaml:"dsn"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
	RequireToken  bool          `yaml:"require_token"`
}

type CronConfig struct {
	Secret     string `yaml:"secret"`
	SecretHash string `yaml:"secret_hash"`
}

// EligibilityConfig configures the reputation lookup behind the gate.
type EligibilityConfig struct {
	MinScore                float64       `yaml:"min_score"`
	APIKey                  string        `yaml:"api_key"`
	BaseURL                 string        `yaml:"base_url"`
	AppKeyPath              string        `yaml:"app_key_path"`
	Timeout                 time.Duration `yaml:"timeout"`
	Retries                 int           `yaml:"retries"`
	Backoff                 time.Duration `yaml:"backoff"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitReset            time.Duration `yaml:"circuit_reset"`
}

type LedgerConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	ContractAddress string        `yaml:"contract_address"`
	ChainID         int64         `yaml:"chain_id"`
	OwnerKey        string        `yaml:"owner_key"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	// SubmitTimeout bounds signing and broadcasting one award transaction.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

// Enabled reports whether on-chain settlement is configured.
func (l LedgerConfig) Enabled() bool {
	return l.RPCURL != "" && l.ContractAddress != ""
}

type BountyConfig struct {
	MinBounty         string        `yaml:"min_bounty"`
	MaxBounty         string        `yaml:"max_bounty"`
	MaxQuestionLength int           `yaml:"max_question_length"`
	MaxAnswerLength   int           `yaml:"max_answer_length"`
	MaxCommentLength  int           `yaml:"max_comment_length"`
	MaxTags           int           `yaml:"max_tags"`
	MaxDeadlineDays   int           `yaml:"max_deadline_days"`
	Categories        []string      `yaml:"categories"`
	UpvoteDebounce    time.Duration `yaml:"upvote_debounce"`

	min, max decimal.Decimal
}

// Min returns the parsed minimum bounty. Valid after Validate.
func (b BountyConfig) Min() decimal.Decimal { return b.min }

// Max returns the parsed maximum bounty. Valid after Validate.
func (b BountyConfig) Max() decimal.Decimal { return b.max }

type RateLimitConfig struct {
	Backend                string        `yaml:"backend"`
	RedisAddr              string        `yaml:"redis_addr"`
	QuestionsPerHour       int           `yaml:"questions_per_hour"`
	AnswersPerHour         int           `yaml:"answers_per_hour"`
	NotificationsPerMinute int           `yaml:"notifications_per_minute"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
}

type SettlementConfig struct {
	LazyBudget       time.Duration `yaml:"lazy_budget"`
	Workers          int           `yaml:"workers"`
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	JobMaxAttempts   int           `yaml:"job_max_attempts"`
	BatchSize        int           `yaml:"batch_size"`
	JobPollInterval  time.Duration `yaml:"job_poll_interval"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	// DropAfter is how long a recorded award transaction the node no longer
	// knows about is kept before it is cleared and resubmitted.
	DropAfter time.Duration `yaml:"drop_after"`
	// SweepTimeout bounds a sweep started over HTTP and extends that
	// response's write deadline to match.
	SweepTimeout time.Duration `yaml:"sweep_timeout"`
}

type NotificationsConfig struct {
	PushTimeout time.Duration `yaml:"push_timeout"`
	// AllowedHosts limits where notification tokens may point. Empty allows
	// any https host.
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// LoadConfig builds a Config from defaults, an optional .env file, BOUNTY_*
// environment variables and finally the YAML file at path, if any.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Env:      getEnv("BOUNTY_ENV", "production"),
		LogLevel: getEnv("BOUNTY_LOG_LEVEL", "info"),
		Server: ServerConfig{
			Addr:      getEnv("BOUNTY_ADDR", ":8080"),
			Timeout:   getEnvDuration("BOUNTY_TIMEOUT", 15*time.Second),
			PublicURL: getEnv("BOUNTY_PUBLIC_URL", ""),
		},
		Database: DatabaseConfig{
			DSN:            getEnv("BOUNTY_DATABASE_DSN", "bounty.db"),
			MigrateOnStart: getEnvBool("BOUNTY_MIGRATE_ON_START", true),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("BOUNTY_JWT_SECRET", insecureJWTSecret),
			TokenDuration: getEnvDuration("BOUNTY_TOKEN_DURATION", 24*time.Hour),
			RequireToken:  getEnvBool("BOUNTY_REQUIRE_TOKEN", false),
		},
		Cron: CronConfig{
			Secret:     getEnv("BOUNTY_CRON_SECRET", ""),
			SecretHash: getEnv("BOUNTY_CRON_SECRET_HASH", ""),
		},
		Eligibility: EligibilityConfig{
			APIKey:  getEnv("BOUNTY_NEYNAR_API_KEY", ""),
			BaseURL: getEnv("BOUNTY_NEYNAR_BASE_URL", ""),
		},
		Ledger: LedgerConfig{
			RPCURL:          getEnv("BOUNTY_LEDGER_RPC_URL", ""),
			ContractAddress: getEnv("BOUNTY_LEDGER_CONTRACT", ""),
			ChainID:         int64(getEnvInt("BOUNTY_LEDGER_CHAIN_ID", 8453)),
			OwnerKey:        getEnv("BOUNTY_LEDGER_OWNER_KEY", ""),
		},
		Notifications: NotificationsConfig{
			AllowedHosts: splitList(getEnv("BOUNTY_NOTIFY_ALLOWED_HOSTS", "")),
		},
		RateLimit: RateLimitConfig{
			Backend:   getEnv("BOUNTY_RATE_LIMIT_BACKEND", "memory"),
			RedisAddr: getEnv("BOUNTY_REDIS_ADDR", ""),
		},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	return cfg, nil
}

// IsDevelopment reports whether insecure defaults are tolerated.
func (c *Config) IsDevelopment() bool {
	if v := os.Getenv("BOUNTY_ENV"); v != "" {
		return strings.EqualFold(v, "development")
	}
	return strings.EqualFold(c.Env, "development")
}

// Validate fills defaults for unset values and rejects configurations that
// are unsafe or inconsistent.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 15 * time.Second
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret == insecureJWTSecret && !c.IsDevelopment() {
		return errors.New("auth.jwt_secret uses the insecure default; set BOUNTY_JWT_SECRET or BOUNTY_ENV=development")
	}
	if c.Auth.TokenDuration <= 0 {
		c.Auth.TokenDuration = 24 * time.Hour
	}
	if c.Cron.Secret == "" && c.Cron.SecretHash == "" && !c.IsDevelopment() {
		return errors.New("cron.secret or cron.secret_hash is required outside development")
	}

	e := &c.Eligibility
	if e.MinScore == 0 {
		e.MinScore = 0.6
	}
	if e.MinScore < 0 || e.MinScore > 1 {
		return fmt.Errorf("eligibility.min_score must be within [0,1], got %v", e.MinScore)
	}
	if e.BaseURL == "" {
		e.BaseURL = "https://api.neynar.com"
	}
	if e.AppKeyPath == "" {
		e.AppKeyPath = "/v2/farcaster/app_host/verify_signer"
	}
	if e.Timeout <= 0 {
		e.Timeout = 5 * time.Second
	}
	if e.Retries <= 0 {
		e.Retries = 2
	}
	if e.Backoff <= 0 {
		e.Backoff = 200 * time.Millisecond
	}
	if e.CircuitFailureThreshold <= 0 {
		e.CircuitFailureThreshold = 5
	}
	if e.CircuitReset <= 0 {
		e.CircuitReset = 30 * time.Second
	}

	l := &c.Ledger
	if l.ConfirmTimeout <= 0 {
		l.ConfirmTimeout = 2 * time.Minute
	}
	if l.PollInterval <= 0 {
		l.PollInterval = 2 * time.Second
	}
	if l.SubmitTimeout <= 0 {
		l.SubmitTimeout = 30 * time.Second
	}
	if l.Enabled() {
		if l.ChainID <= 0 {
			return errors.New("ledger.chain_id must be positive")
		}
		if l.OwnerKey == "" {
			return errors.New("ledger.owner_key is required when the ledger is configured")
		}
	}

	b := &c.Bounty
	if b.MinBounty == "" {
		b.MinBounty = "0.001"
	}
	if b.MaxBounty == "" {
		b.MaxBounty = "100"
	}
	var err error
	if b.min, err = decimal.NewFromString(b.MinBounty); err != nil {
		return fmt.Errorf("bounty.min_bounty: %w", err)
	}
	if b.max, err = decimal.NewFromString(b.MaxBounty); err != nil {
		return fmt.Errorf("bounty.max_bounty: %w", err)
	}
	if !b.min.IsPositive() || b.max.LessThan(b.min) {
		return fmt.Errorf("bounty range [%s, %s] is invalid", b.MinBounty, b.MaxBounty)
	}
	if b.MaxQuestionLength <= 0 {
		b.MaxQuestionLength = 500
	}
	if b.MaxAnswerLength <= 0 {
		b.MaxAnswerLength = 2000
	}
	if b.MaxCommentLength <= 0 {
		b.MaxCommentLength = 1000
	}
	if b.MaxTags <= 0 {
		b.MaxTags = 5
	}
	if b.MaxDeadlineDays <= 0 {
		b.MaxDeadlineDays = 30
	}
	if len(b.Categories) == 0 {
		b.Categories = []string{"Solidity", "Design", "Marketing", "Product", "Business", "Other"}
	}
	if b.UpvoteDebounce <= 0 {
		b.UpvoteDebounce = time.Second
	}

	r := &c.RateLimit
	switch r.Backend {
	case "":
		r.Backend = "memory"
	case "memory":
	case "redis":
		if r.RedisAddr == "" {
			return errors.New("rate_limit.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend %q is not supported", r.Backend)
	}
	if r.QuestionsPerHour <= 0 {
		r.QuestionsPerHour = 10
	}
	if r.AnswersPerHour <= 0 {
		r.AnswersPerHour = 20
	}
	if r.NotificationsPerMinute <= 0 {
		r.NotificationsPerMinute = 5
	}
	if r.CleanupInterval <= 0 {
		r.CleanupInterval = 5 * time.Minute
	}

	s := &c.Settlement
	if s.LazyBudget <= 0 {
		s.LazyBudget = 2 * time.Second
	}
	if s.Workers <= 0 {
		s.Workers = 2
	}
	if s.LeaseDuration <= 0 {
		s.LeaseDuration = 5 * time.Minute
	}
	if s.LeaseDuration < l.ConfirmTimeout {
		return fmt.Errorf("settlement.lease_duration (%s) must cover ledger.confirm_timeout (%s)", s.LeaseDuration, l.ConfirmTimeout)
	}
	if s.JobMaxAttempts <= 0 {
		s.JobMaxAttempts = 5
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.JobPollInterval <= 0 {
		s.JobPollInterval = 500 * time.Millisecond
	}
	if s.ScheduleInterval < 0 {
		s.ScheduleInterval = 0
	}
	if s.DropAfter <= 0 {
		s.DropAfter = 30 * time.Minute
	}
	if s.DropAfter < l.ConfirmTimeout {
		return fmt.Errorf("settlement.drop_after (%s) must cover ledger.confirm_timeout (%s)", s.DropAfter, l.ConfirmTimeout)
	}
	if s.SweepTimeout <= 0 {
		s.SweepTimeout = 10 * time.Minute
	}

	if c.Notifications.PushTimeout <= 0 {
		c.Notifications.PushTimeout = 5 * time.Second
	}
	for i, h := range c.Notifications.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || strings.ContainsAny(h, "/:") {
			return fmt.Errorf("notifications.allowed_hosts[%d] %q must be a bare host name", i, c.Notifications.AllowedHosts[i])
		}
		c.Notifications.AllowedHosts[i] = h
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "info":
		c.LogLevel = "info"
	case "debug", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		return fmt.Errorf("log_level %q is not supported", c.LogLevel)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
