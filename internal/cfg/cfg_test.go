package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		DBSlowQueryMS:         200,
		SeenCacheSize:         1024,
		RenderTimeoutMS:       3000,
		ClaudeModel:           "claude-sonnet-4-20250514",
		BusQueueSize:          256,
		BusMaxLag:             64,
		HeartbeatSeconds:      15,
		NATSSubject:           "vantage.incidents",
		NATSMaxRetries:        3,
		NotifyTimeoutSeconds:  10,
	}
}

func with(f func(*Config)) Config {
	c := validBase()
	f(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.NATSSubject != "vantage.incidents" {
		t.Errorf("NATSSubject = %q, want %q", c.NATSSubject, "vantage.incidents")
	}
	if c.RenderTimeout() != 3*time.Second {
		t.Errorf("RenderTimeout = %v, want 3s", c.RenderTimeout())
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-database-url", "postgres://localhost/vantage",
		"-settings-file", "/etc/vantage/settings.yaml",
		"-claude-api-key", "sk-override",
		"-nats-url", "nats://localhost:4222",
		"-bus-queue-size", "16",
		"-db-slow-query-ms", "50",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DatabaseURL != "postgres://localhost/vantage" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.SettingsFile != "/etc/vantage/settings.yaml" {
		t.Errorf("SettingsFile = %q", c.SettingsFile)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %q", c.NATSURL)
	}
	if c.BusQueueSize != 16 {
		t.Errorf("BusQueueSize = %d, want 16", c.BusQueueSize)
	}
	if c.SlowQuery() != 50*time.Millisecond {
		t.Errorf("SlowQuery = %v, want 50ms", c.SlowQuery())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "base is valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "everything enabled",
			cfg: with(func(c *Config) {
				c.DatabaseURL = "postgres://db/vantage"
				c.ClaudeAPIKey = "k"
				c.NATSURL = "nats://n:4222"
				c.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
			}),
			wantErr: false,
		},
		// Drain and budget
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// Port
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Pipeline sizing
		{
			name:      "seen cache zero",
			cfg:       with(func(c *Config) { c.SeenCacheSize = 0 }),
			wantErr:   true,
			errSubstr: []string{"SEEN_CACHE_SIZE"},
		},
		{
			name:      "render timeout too short",
			cfg:       with(func(c *Config) { c.RenderTimeoutMS = 10 }),
			wantErr:   true,
			errSubstr: []string{"RENDER_TIMEOUT_MS"},
		},
		{
			name:      "negative db conns",
			cfg:       with(func(c *Config) { c.DBMaxConns = -1 }),
			wantErr:   true,
			errSubstr: []string{"DB_MAX_CONNS"},
		},
		{
			name:      "bus queue zero",
			cfg:       with(func(c *Config) { c.BusQueueSize = 0 }),
			wantErr:   true,
			errSubstr: []string{"BUS_QUEUE_SIZE"},
		},
		{
			name:    "bus max lag zero never evicts",
			cfg:     with(func(c *Config) { c.BusMaxLag = 0 }),
			wantErr: false,
		},
		{
			name:      "heartbeat zero",
			cfg:       with(func(c *Config) { c.HeartbeatSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"HEARTBEAT_SECONDS"},
		},
		// Optional integrations
		{
			name:      "claude key without model",
			cfg:       with(func(c *Config) { c.ClaudeAPIKey, c.ClaudeModel = "k", "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:    "no claude key no model",
			cfg:     with(func(c *Config) { c.ClaudeModel = "" }),
			wantErr: false,
		},
		{
			name:      "nats url without subject",
			cfg:       with(func(c *Config) { c.NATSURL, c.NATSSubject = "nats://n", "" }),
			wantErr:   true,
			errSubstr: []string{"NATS_SUBJECT"},
		},
		{
			name:      "nats retries too many",
			cfg:       with(func(c *Config) { c.NATSMaxRetries = 11 }),
			wantErr:   true,
			errSubstr: []string{"NATS_MAX_RETRIES"},
		},
		{
			name:      "slack url not http",
			cfg:       with(func(c *Config) { c.SlackWebhookURL = "ftp://hooks" }),
			wantErr:   true,
			errSubstr: []string{"SLACK_WEBHOOK_URL"},
		},
		{
			name:      "notify timeout zero",
			cfg:       with(func(c *Config) { c.NotifyTimeoutSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"NOTIFY_TIMEOUT_SECONDS"},
		},
		// Error accumulation
		{
			name:    "all fields invalid",
			cfg:     Config{ClaudeAPIKey: "k", NATSURL: "n", SlackWebhookURL: "::"},
			wantErr: true,
			errSubstr: []string{
				"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "SEEN_CACHE_SIZE", "RENDER_TIMEOUT_MS",
				"CLAUDE_MODEL", "BUS_QUEUE_SIZE", "HEARTBEAT_SECONDS", "NATS_SUBJECT", "SLACK_WEBHOOK_URL", "NOTIFY_TIMEOUT_SECONDS",
			},
		},
		{
			name:      "extreme negative values",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, queue int
	}{
		{60, 90, 8080, 256},
		{1, 2, 1, 1},
		{299, 300, 65535, 65536},
		{0, 0, 0, 0},
		{-1, -1, -1, -1},
		{300, 300, 65535, 256},
		{301, 302, 65536, 65537},
		{150, 100, 8080, 256},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.queue)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, queue int) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.BusQueueSize = queue
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		queueOK := queue >= 1 && queue <= 65536

		allValid := drainOK && budgetOK && portOK && crossOK && queueOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
