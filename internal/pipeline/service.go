package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vantage/internal/alert"
	"github.com/linnemanlabs/vantage/internal/audit"
	"github.com/linnemanlabs/vantage/internal/bus"
	"github.com/linnemanlabs/vantage/internal/event"
	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/policy"
	"github.com/linnemanlabs/vantage/internal/render"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vantage/internal/pipeline")

// DefaultSeenCache is the number of recently accepted event ids remembered
// for replay detection.
const DefaultSeenCache = 65536

// DefaultRenderTimeout bounds the primary renderer.
const DefaultRenderTimeout = 3 * time.Second

// Deps are the collaborators of a Service. Window, Policy, Store and Audit
// are required.
type Deps struct {
	Window *incident.Window
	Policy *policy.Holder
	Store  Store
	Audit  *audit.Log

	// Renderer is the primary renderer. When nil alerts are rendered
	// deterministically.
	Renderer      render.Renderer
	RenderTimeout time.Duration

	// Bus receives an incident_upsert after every committed change. Optional.
	Bus *bus.Bus

	SeenCache int
	Hooks     Hooks
	Logger    log.Logger

	// Tracer defaults to the global provider's tracer for this package.
	Tracer trace.Tracer
}

// Service is the business boundary for incident operations: ingestion,
// queries, decisions and settings.
type Service struct {
	window   *incident.Window
	policy   *policy.Holder
	store    Store
	audit    *audit.Log
	bus      *bus.Bus
	compiler *alert.Compiler
	seen     *lru.Cache[string, string]
	hooks    Hooks
	logger   log.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// decideMu serializes decisions on incidents that have left the
	// correlation window.
	decideMu sync.Mutex
}

// NewService wires a Service. It panics when a required dependency is
// missing.
func NewService(d Deps) *Service {
	switch {
	case d.Window == nil:
		panic(xerrors.New("pipeline: nil window"))
	case d.Policy == nil:
		panic(xerrors.New("pipeline: nil policy holder"))
	case d.Store == nil:
		panic(xerrors.New("pipeline: nil store"))
	case d.Audit == nil:
		panic(xerrors.New("pipeline: nil audit log"))
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Tracer == nil {
		d.Tracer = tracer
	}
	if d.SeenCache <= 0 {
		d.SeenCache = DefaultSeenCache
	}
	if d.RenderTimeout <= 0 {
		d.RenderTimeout = DefaultRenderTimeout
	}
	seen, err := lru.New[string, string](d.SeenCache)
	if err != nil {
		panic(xerrors.New("pipeline: seen cache: " + err.Error()))
	}

	s := &Service{
		window: d.Window,
		policy: d.Policy,
		store:  d.Store,
		audit:  d.Audit,
		bus:    d.Bus,
		seen:   seen,
		hooks:  d.Hooks,
		logger: d.Logger,
		tracer: d.Tracer,
		now:    time.Now,
	}
	s.compiler = alert.NewCompiler(render.NewGuarded(d.Renderer, render.Deterministic{}, d.RenderTimeout, s.onFallback))
	return s
}

// Ingest validates one raw event, correlates it, rebuilds the plan,
// validates and compiles the alert, persists the view, appends the audit
// record and publishes the upsert. Nothing is applied when any step
// before publishing fails.
func (s *Service) Ingest(ctx context.Context, in event.Input) (*IngestResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "pipeline.ingest")
	defer span.End()

	e, err := event.New(in)
	if err != nil {
		s.fireEvent("malformed")
		span.SetAttributes(attribute.String("vantage.outcome", "malformed"))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("vantage.event_id", e.ID),
		attribute.String("vantage.camera_id", e.CameraID),
		attribute.String("vantage.zone_id", e.ZoneID),
		attribute.String("vantage.event_type", e.Type),
	)
	L := s.logger.With("event_id", e.ID, "camera_id", e.CameraID, "zone_id", e.ZoneID)

	if id, ok := s.seen.Get(e.ID); ok {
		if res, err := s.replayed(ctx, id); err == nil {
			s.fireEvent(string(incident.OutcomeReplayed))
			span.SetAttributes(attribute.String("vantage.outcome", string(incident.OutcomeReplayed)))
			return res, nil
		}
	}

	cfg := s.policy.Load()
	var committed *View
	inc, out, err := s.window.Ingest(cfg, e, func(next *incident.Incident, out incident.Outcome) error {
		v, err := s.commit(ctx, L, cfg, next, e.ID, out)
		if err != nil {
			return err
		}
		committed = v
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		L.Error(ctx, err, "incident cycle failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("vantage.incident_id", inc.ID),
		attribute.String("vantage.outcome", string(out)),
	)
	s.seen.Add(e.ID, inc.ID)
	s.fireEvent(string(out))

	if out == incident.OutcomeReplayed {
		return s.replayed(ctx, inc.ID)
	}

	if s.hooks.OnCycle != nil {
		s.hooks.OnCycle(time.Since(start))
	}
	L.Info(ctx, "incident cycle",
		"incident_id", inc.ID,
		"outcome", out,
		"version", inc.Version,
		"next_step", committed.Plan.NextStep,
		"passed", committed.Validation.Passed,
		"alert_generated", committed.Alert != nil,
	)
	return resultOf(committed, out), nil
}

// commit derives the view for next and makes it durable and visible. It
// runs under the zone lock.
func (s *Service) commit(ctx context.Context, L log.Logger, cfg *policy.Config, next *incident.Incident, eventID string, out incident.Outcome) (*View, error) {
	v := s.derive(ctx, L, cfg, next)

	if err := s.store.Put(ctx, v); err != nil {
		return nil, fmt.Errorf("store incident %s: %w", next.ID, err)
	}

	rec := audit.Record{
		Kind:            audit.KindCycle,
		IncidentID:      next.ID,
		IncidentVersion: next.Version,
		EventID:         eventID,
		Outcome:         string(out),
		PlanSummary:     v.Plan.Summary,
		NextStep:        string(v.Plan.NextStep),
		Passed:          v.Validation.Passed,
		Violations:      v.Validation.Violations,
		Warnings:        v.Validation.Warnings,
		AlertGenerated:  v.Alert != nil,
	}
	if v.Alert != nil {
		rec.Renderer = v.Alert.Renderer
	}
	if err := s.appendAudit(ctx, rec); err != nil {
		return nil, err
	}

	if s.hooks.OnValidation != nil {
		s.hooks.OnValidation(v.Validation.Passed, v.Validation.Violations)
	}
	if v.Alert != nil && s.hooks.OnAlert != nil {
		s.hooks.OnAlert(v.Alert.NextStep)
	}
	s.publish(v)
	return v, nil
}

// derive builds the plan and compiles the alert for inc under cfg.
func (s *Service) derive(ctx context.Context, L log.Logger, cfg *policy.Config, inc *incident.Incident) *View {
	p := plan.Build(inc, cfg)
	res, err := s.compiler.Compile(ctx, inc, p, cfg)
	if err != nil {
		// Only the deterministic fallback can fail here.
		L.Error(ctx, err, "alert compile failed", "incident_id", inc.ID)
	}
	return &View{
		Incident:   inc,
		Plan:       p,
		Validation: res.Validation,
		Alert:      res.Alert,
	}
}

func (s *Service) replayed(ctx context.Context, id string) (*IngestResult, error) {
	v, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return resultOf(v, incident.OutcomeReplayed), nil
}

func resultOf(v *View, out incident.Outcome) *IngestResult {
	return &IngestResult{
		IncidentID:     v.Incident.ID,
		Outcome:        out,
		Version:        v.Incident.Version,
		NextStep:       v.Plan.NextStep,
		Passed:         v.Validation.Passed,
		AlertGenerated: v.Alert != nil,
	}
}

// Get returns the current view of one incident.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.get", trace.WithAttributes(attribute.String("vantage.incident_id", id)))
	defer span.End()

	v, ok, err := s.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// List returns incidents matching f, newest update first.
func (s *Service) List(ctx context.Context, f Filter) ([]*View, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.list")
	defer span.End()

	vs, err := s.store.List(ctx, f.Normalize())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("vantage.results", len(vs)))
	return vs, nil
}

// Decide applies an operator decision. Illegal transitions return an
// *incident.IllegalTransitionError and leave the incident untouched.
func (s *Service) Decide(ctx context.Context, id string, d incident.Decision) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.decide", trace.WithAttributes(
		attribute.String("vantage.incident_id", id),
		attribute.String("vantage.action", d.ActionTaken),
	))
	defer span.End()
	L := s.logger.With("incident_id", id, "action", d.ActionTaken)

	var committed *View
	commit := func(next *incident.Incident) error {
		v, err := s.commitDecision(ctx, id, next)
		if err != nil {
			return err
		}
		committed = v
		return nil
	}

	at := s.now()
	_, err := s.window.Transition(id, d, at, commit)
	if errors.Is(err, incident.ErrUnknownIncident) {
		err = s.decideStored(ctx, id, d, at, commit)
	}

	result := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.As(err, new(*incident.IllegalTransitionError)):
		result = "illegal"
	default:
		result = "error"
	}
	if s.hooks.OnDecision != nil {
		s.hooks.OnDecision(d.ActionTaken, result)
	}
	span.SetAttributes(attribute.String("vantage.result", result))

	if err != nil {
		if result == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decision failed")
			L.Error(ctx, err, "decision failed")
		} else {
			L.Info(ctx, "decision rejected", "result", result)
		}
		return nil, err
	}

	L.Info(ctx, "decision applied",
		"status", committed.Incident.Status,
		"version", committed.Incident.Version,
	)
	return committed, nil
}

// decideStored handles incidents that were pruned from the window. Those
// can no longer receive events, so the store copy is authoritative.
func (s *Service) decideStored(ctx context.Context, id string, d incident.Decision, at time.Time, commit func(*incident.Incident) error) error {
	s.decideMu.Lock()
	defer s.decideMu.Unlock()

	v, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	next, err := incident.Apply(v.Incident, d, at)
	if err != nil {
		return err
	}
	return commit(next)
}

func (s *Service) commitDecision(ctx context.Context, id string, next *incident.Incident) (*View, error) {
	cur, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	v := cur.Clone()
	v.Incident = next

	if err := s.store.Put(ctx, v); err != nil {
		return nil, fmt.Errorf("store incident %s: %w", id, err)
	}
	last := next.Decisions[len(next.Decisions)-1]
	if err := s.appendAudit(ctx, audit.Record{
		Kind:            audit.KindDecision,
		IncidentID:      id,
		IncidentVersion: next.Version,
		PlanSummary:     v.Plan.Summary,
		NextStep:        string(v.Plan.NextStep),
		Passed:          v.Validation.Passed,
		AlertGenerated:  false,
		Decision:        &last,
	}); err != nil {
		return nil, err
	}
	s.publish(v)
	return v, nil
}

// Preview renders the alert for an incident under the current settings,
// surfacing violations instead of suppressing the text.
func (s *Service) Preview(ctx context.Context, id string) (alert.Preview, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.preview", trace.WithAttributes(attribute.String("vantage.incident_id", id)))
	defer span.End()

	v, err := s.Get(ctx, id)
	if err != nil {
		return alert.Preview{}, err
	}
	cfg := s.policy.Load()
	return s.compiler.Preview(ctx, v.Incident, plan.Build(v.Incident, cfg), cfg)
}

// AuditRecords returns audit records for one incident, oldest first.
func (s *Service) AuditRecords(ctx context.Context, id string, limit int) ([]audit.Record, error) {
	return s.audit.Records(ctx, id, limit)
}

// Settings returns a copy of the current settings.
func (s *Service) Settings() policy.Config {
	return s.policy.Load().Clone()
}

// UpdateSettings validates c and swaps it in. Cycles already running keep
// the snapshot they started with.
func (s *Service) UpdateSettings(ctx context.Context, c policy.Config) (policy.Config, error) {
	if err := s.policy.Swap(c); err != nil {
		return policy.Config{}, err
	}
	cur := s.Settings()
	s.logger.Info(ctx, "settings updated",
		"min_confidence_for_notify", cur.MinConfidenceForNotify,
		"high_severity_threshold", cur.HighSeverityThreshold,
		"merge_window_seconds", cur.MergeWindowSeconds,
		"dedup_window_seconds", cur.DedupWindowSeconds,
	)
	return cur, nil
}

func (s *Service) onFallback(ctx context.Context, ev render.FallbackEvent) {
	detail := ""
	if ev.Err != nil {
		detail = ev.Err.Error()
	}
	s.logger.Warn(ctx, "renderer fallback",
		"incident_id", ev.IncidentID,
		"primary", ev.Primary,
		"fallback", ev.Fallback,
		"reason", ev.Reason,
		"terms", ev.Terms,
		"err", detail,
	)
	if s.hooks.OnFallback != nil {
		s.hooks.OnFallback(ev.Reason)
	}
	if err := s.appendAudit(ctx, audit.Record{
		Kind:           audit.KindRendererFallback,
		IncidentID:     ev.IncidentID,
		Renderer:       ev.Fallback,
		FallbackReason: ev.Reason,
		Detail:         detail,
	}); err != nil {
		s.logger.Error(ctx, err, "failed to audit renderer fallback", "incident_id", ev.IncidentID)
	}
}

func (s *Service) appendAudit(ctx context.Context, r audit.Record) error {
	_, err := s.audit.Append(ctx, r)
	if s.hooks.OnAudit != nil {
		s.hooks.OnAudit(string(r.Kind), err)
	}
	return err
}

func (s *Service) publish(v *View) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Message{
		Type:       bus.TypeIncidentUpsert,
		At:         s.now().UTC(),
		IncidentID: v.Incident.ID,
		Data:       v.Clone(),
	})
}

func (s *Service) fireEvent(outcome string) {
	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(outcome)
	}
}
