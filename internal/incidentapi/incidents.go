package incidentapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/pipeline"
)

var knownStatuses = map[incident.Status]bool{
	incident.StatusNew:       true,
	incident.StatusTriage:    true,
	incident.StatusDismissed: true,
	incident.StatusEscalated: true,
	incident.StatusClosed:    true,
}

// parseFilter reads list filters from the query string.
func parseFilter(r *http.Request) (pipeline.Filter, string) {
	q := r.URL.Query()
	f := pipeline.Filter{
		Status:   incident.Status(q.Get("status")),
		CameraID: q.Get("camera_id"),
		ZoneID:   q.Get("zone_id"),
	}
	if f.Status != "" && !knownStatuses[f.Status] {
		return f, "unknown status " + strconv.Quote(string(f.Status))
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, "since must be RFC3339"
		}
		f.Since = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, "limit must be a non-negative integer"
		}
		f.Limit = n
	}
	return f, ""
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f, problem := parseFilter(r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	views, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list incidents")
		return
	}
	if views == nil {
		views = []*pipeline.View{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": views})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("vantage.incident_id", id))

	v, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get incident")
		return
	}

	span.SetAttributes(attribute.String("vantage.incident_status", string(v.Incident.Status)))
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("vantage.incident_id", id))

	var d incident.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if d.ActionTaken == "" {
		writeError(w, http.StatusBadRequest, "action_taken is required")
		return
	}

	v, err := a.svc.Decide(r.Context(), id, d)
	if err != nil {
		a.fail(w, r, err, "failed to apply decision")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("vantage.incident_id", id))

	p, err := a.svc.Preview(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to render preview")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("vantage.incident_id", id))

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := a.svc.AuditRecords(r.Context(), id, limit)
	if err != nil {
		a.fail(w, r, err, "failed to read audit records")
		return
	}
	if len(recs) == 0 {
		if _, err := a.svc.Get(r.Context(), id); err != nil {
			a.fail(w, r, err, "failed to get incident")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}
