package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config adds vantage-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL     string
	DBMaxConns      int
	DBSlowQueryMS   int
	AuditFile       string
	SettingsFile    string
	SeenCacheSize   int
	RenderTimeoutMS int

	ClaudeAPIKey string
	ClaudeModel  string

	BusQueueSize     int
	BusMaxLag        int
	HeartbeatSeconds int

	NATSURL              string
	NATSSubject          string
	NATSMaxRetries       int
	SlackWebhookURL      string
	NotifyTimeoutSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory incident store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = driver default)")
	fs.IntVar(&c.DBSlowQueryMS, "db-slow-query-ms", 200, "log successful queries slower than this many milliseconds (0 = log every query)")
	fs.StringVar(&c.AuditFile, "audit-file", "", "append-only JSONL audit file, used when no database is configured (empty = in-memory)")
	fs.StringVar(&c.SettingsFile, "settings-file", "", "YAML safety settings file, reloaded on change (empty = compiled defaults)")
	fs.IntVar(&c.SeenCacheSize, "seen-cache-size", 65536, "recently accepted event ids remembered for replay detection (1..10000000)")
	fs.IntVar(&c.RenderTimeoutMS, "render-timeout-ms", 3000, "deadline for external alert text generation in milliseconds (50..60000)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for Claude alert text generation (empty = deterministic text only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")

	fs.IntVar(&c.BusQueueSize, "bus-queue-size", 256, "per-subscriber notification queue length (1..65536)")
	fs.IntVar(&c.BusMaxLag, "bus-max-lag", 64, "consecutive overflows before a subscriber is evicted (0 = never)")
	fs.IntVar(&c.HeartbeatSeconds, "heartbeat-seconds", 15, "seconds between stream heartbeats (1..300)")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for forwarding incident upserts (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "vantage.incidents", "NATS subject incident upserts are published on")
	fs.IntVar(&c.NATSMaxRetries, "nats-max-retries", 3, "publish retries per message (0..10)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alert notifications")
	fs.IntVar(&c.NotifyTimeoutSeconds, "notify-timeout-seconds", 10, "per-message timeout for external notifications (1..120)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.DBSlowQueryMS < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMS))
	}
	if c.SeenCacheSize <= 0 || c.SeenCacheSize > 10_000_000 {
		errs = append(errs, fmt.Errorf("invalid SEEN_CACHE_SIZE %d (must be 1..10000000)", c.SeenCacheSize))
	}
	if c.RenderTimeoutMS < 50 || c.RenderTimeoutMS > 60_000 {
		errs = append(errs, fmt.Errorf("invalid RENDER_TIMEOUT_MS %d (must be 50..60000)", c.RenderTimeoutMS))
	}

	// Claude is optional, but a key without a model is a mistake
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.BusQueueSize <= 0 || c.BusQueueSize > 65536 {
		errs = append(errs, fmt.Errorf("invalid BUS_QUEUE_SIZE %d (must be 1..65536)", c.BusQueueSize))
	}
	if c.BusMaxLag < 0 {
		errs = append(errs, fmt.Errorf("invalid BUS_MAX_LAG %d (must be >= 0)", c.BusMaxLag))
	}
	if c.HeartbeatSeconds <= 0 || c.HeartbeatSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid HEARTBEAT_SECONDS %d (must be 1..300)", c.HeartbeatSeconds))
	}

	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}
	if c.NATSMaxRetries < 0 || c.NATSMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid NATS_MAX_RETRIES %d (must be 0..10)", c.NATSMaxRetries))
	}
	if c.SlackWebhookURL != "" {
		if u, err := url.Parse(c.SlackWebhookURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL %q (must be an http(s) URL)", c.SlackWebhookURL))
		}
	}
	if c.NotifyTimeoutSeconds <= 0 || c.NotifyTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_TIMEOUT_SECONDS %d (must be 1..120)", c.NotifyTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RenderTimeout returns RenderTimeoutMS as a duration.
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutMS) * time.Millisecond
}

// SlowQuery returns DBSlowQueryMS as a duration.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.DBSlowQueryMS) * time.Millisecond
}
