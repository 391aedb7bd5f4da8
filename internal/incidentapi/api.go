// Package incidentapi exposes the incident pipeline over HTTP: event
// ingestion, incident queries, operator decisions, alert previews, audit
// reads, settings and a websocket stream of bus messages.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vantage/internal/alert"
	"github.com/linnemanlabs/vantage/internal/audit"
	"github.com/linnemanlabs/vantage/internal/bus"
	"github.com/linnemanlabs/vantage/internal/event"
	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/pipeline"
	"github.com/linnemanlabs/vantage/internal/policy"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Ingest(ctx context.Context, in event.Input) (*pipeline.IngestResult, error)
	Get(ctx context.Context, id string) (*pipeline.View, error)
	List(ctx context.Context, f pipeline.Filter) ([]*pipeline.View, error)
	Decide(ctx context.Context, id string, d incident.Decision) (*pipeline.View, error)
	Preview(ctx context.Context, id string) (alert.Preview, error)
	AuditRecords(ctx context.Context, id string, limit int) ([]audit.Record, error)
	Settings() policy.Config
	UpdateSettings(ctx context.Context, c policy.Config) (policy.Config, error)
}

// Subscriber is the slice of the bus the stream endpoint uses.
type Subscriber interface {
	Subscribe(name string) *bus.Subscription
	Unsubscribe(s *bus.Subscription)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	stream Subscriber
}

// New creates a new API handler. stream may be nil, in which case the
// stream endpoint is not registered.
func New(logger log.Logger, svc IncidentService, stream Subscriber) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		stream: stream,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleIngestEvent)

		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/decision", a.handleDecision)
		r.Get("/incidents/{id}/preview", a.handlePreview)
		r.Get("/incidents/{id}/audit", a.handleAudit)

		r.Get("/settings", a.handleGetSettings)
		r.Put("/settings", a.handlePutSettings)

		if a.stream != nil {
			r.Get("/stream", a.handleStream)
		}
	})
}

type errorBody struct {
	Error    string             `json:"error"`
	Problems []event.FieldError `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps service errors onto responses. Anything it does not recognize
// is logged and reported as an internal error.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var (
		merr *event.MalformedError
		ite  *incident.IllegalTransitionError
	)
	switch {
	case errors.As(err, &merr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed event", Problems: merr.Problems})
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &ite):
		writeError(w, http.StatusConflict, ite.Error())
	case errors.Is(err, audit.ErrNotReadable):
		writeError(w, http.StatusNotImplemented, "audit sink is not readable")
	default:
		a.logger.Error(r.Context(), err, msg, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
