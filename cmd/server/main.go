// Vantage turns camera detection events into governed incident alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/vantage/internal/audit"
	"github.com/linnemanlabs/vantage/internal/audit/filesink"
	"github.com/linnemanlabs/vantage/internal/audit/memsink"
	"github.com/linnemanlabs/vantage/internal/audit/pgsink"
	"github.com/linnemanlabs/vantage/internal/bus"
	vc "github.com/linnemanlabs/vantage/internal/cfg"
	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/incidentapi"
	"github.com/linnemanlabs/vantage/internal/llm/claude"
	"github.com/linnemanlabs/vantage/internal/notify"
	"github.com/linnemanlabs/vantage/internal/notify/natsfwd"
	"github.com/linnemanlabs/vantage/internal/notify/slack"
	"github.com/linnemanlabs/vantage/internal/pipeline"
	"github.com/linnemanlabs/vantage/internal/pipeline/memstore"
	"github.com/linnemanlabs/vantage/internal/pipeline/pgstore"
	"github.com/linnemanlabs/vantage/internal/policy"
	"github.com/linnemanlabs/vantage/internal/postgres"
	"github.com/linnemanlabs/vantage/internal/render"
)

const appName = "vantage"
const component = "server"

// envPrefix is prepended to upper-cased flag names, -bus-queue-size is
// VANTAGE_BUS_QUEUE_SIZE.
const envPrefix = "VANTAGE_"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags, then fill unset ones from VANTAGE_ env vars which do not override cmdline flags
	if err := parseFlags(flag.CommandLine, os.Args[1:], func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"postgres", appCfg.DatabaseURL != "",
		"audit_file", appCfg.AuditFile,
		"settings_file", appCfg.SettingsFile,
		"claude_enabled", appCfg.ClaudeAPIKey != "",
		"nats_enabled", appCfg.NATSURL != "",
		"slack_enabled", appCfg.SlackWebhookURL != "",
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize pipeline metrics on the shared Prometheus registry.
	pipelineMetrics := pipeline.NewMetrics(m.Registry())

	// Load safety settings. The file is optional; without it compiled defaults apply.
	holder, err := loadSettings(appCfg.SettingsFile)
	if err != nil {
		return err
	}
	if appCfg.SettingsFile != "" {
		go func() {
			if err := policy.Watch(ctx, appCfg.SettingsFile, holder, L); err != nil {
				L.Error(ctx, err, "settings watcher stopped", "settings_file", appCfg.SettingsFile)
			}
		}()
		L.Info(ctx, "watching settings file", "settings_file", appCfg.SettingsFile)
	}

	// Initialize the incident store and audit sink
	incidentStore, auditSink, closeStorage, err := openStorage(ctx, appCfg, pipelineMetrics.QueryObserver(), L)
	if err != nil {
		return err
	}
	defer closeStorage()
	auditLog, err := audit.NewLog(ctx, auditSink)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}

	// Initialize Claude-backed alert text when a key is configured; the
	// deterministic renderer is always the fallback.
	primary := primaryRenderer(appCfg)
	if primary != nil {
		L.Info(ctx, "initialized alert text provider", "provider", "claude", "model", appCfg.ClaudeModel, "timeout", appCfg.RenderTimeout())
	}

	// Notification bus with heartbeats for stream subscribers.
	notifyBus := bus.New(bus.Config{
		QueueSize: appCfg.BusQueueSize,
		MaxLag:    appCfg.BusMaxLag,
	}, pipelineMetrics.BusHooks())
	defer notifyBus.Close()
	go notifyBus.Heartbeat(ctx, time.Duration(appCfg.HeartbeatSeconds)*time.Second)

	// External notifiers, each fed by its own bus subscription.
	notifyTimeout := time.Duration(appCfg.NotifyTimeoutSeconds) * time.Second
	var senders []notify.Sender
	if appCfg.SlackWebhookURL != "" {
		senders = append(senders, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if appCfg.NATSURL != "" {
		nc, err := nats.Connect(appCfg.NATSURL,
			nats.Name(v.AppName),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				L.Warn(context.Background(), "nats disconnected", "err", fmt.Sprint(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				L.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		senders = append(senders, natsfwd.New(nc, appCfg.NATSSubject, appCfg.NATSMaxRetries))
		L.Info(ctx, "notifier enabled", "type", "nats", "subject", appCfg.NATSSubject)
	}
	for _, s := range senders {
		fwd := notify.NewForwarder(s, notifyTimeout, L, pipelineMetrics.ObserveNotify)
		go fwd.Run(ctx, notifyBus.Subscribe("notify:"+s.Name()))
	}

	// Initialize the incident service (owns correlation, plan, validation, audit and publishing).
	incidentSvc := pipeline.NewService(pipeline.Deps{
		Window:        incident.NewWindow(),
		Policy:        holder,
		Store:         incidentStore,
		Audit:         auditLog,
		Renderer:      primary,
		RenderTimeout: appCfg.RenderTimeout(),
		Bus:           notifyBus,
		SeenCache:     appCfg.SeenCacheSize,
		Hooks:         pipelineMetrics.Hooks(),
		Logger:        L,
	})

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // events and settings are small; 64KB is plenty

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	incidentapiHTTP := incidentapi.New(L, incidentSvc, notifyBus)
	incidentapiHTTP.RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// parseFlags parses args into fs and fills every flag not given on the
// command line from its VANTAGE_ environment variable.
func parseFlags(fs *flag.FlagSet, args []string, logf func(string, ...any)) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	cfg.FillFromEnv(fs, envPrefix, logf)
	return nil
}

// loadSettings builds the settings holder from path, or from the compiled
// defaults when path is empty.
func loadSettings(path string) (*policy.Holder, error) {
	settings := policy.Defaults()
	if path != "" {
		var err error
		settings, err = policy.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}
	holder, err := policy.NewHolder(settings)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return holder, nil
}

// openStorage picks the incident store and audit sink: Postgres for both
// when a database is configured, otherwise memory plus an optional audit
// file. The returned func releases whatever was opened.
func openStorage(ctx context.Context, c vc.Config, obs postgres.QueryObserver, L log.Logger) (pipeline.Store, audit.Sink, func(), error) {
	if c.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolConfig{
			MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded by Validate
			SlowQuery: c.SlowQuery(),
			Observer:  obs,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		pgSink, err := pgsink.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("pgsink init: %w", err)
		}
		L.Info(ctx, "using postgres store and audit sink")
		return pgStore, pgSink, pool.Close, nil
	}

	L.Info(ctx, "using in-memory store (no database-url configured)")
	if c.AuditFile == "" {
		L.Info(ctx, "using in-memory audit sink (no audit-file configured)")
		return memstore.New(), memsink.New(), func() {}, nil
	}
	fileSink, err := filesink.Open(c.AuditFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("audit file: %w", err)
	}
	L.Info(ctx, "using audit file", "audit_file", c.AuditFile)
	return memstore.New(), fileSink, func() { _ = fileSink.Close() }, nil
}

// primaryRenderer returns the Claude-backed renderer, or nil when no key is
// configured and alerts use deterministic text only.
func primaryRenderer(c vc.Config) render.Renderer {
	if c.ClaudeAPIKey == "" {
		return nil
	}
	return render.NewExternal(claude.New(c.ClaudeAPIKey, c.ClaudeModel))
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
