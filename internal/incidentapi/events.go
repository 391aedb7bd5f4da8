package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/vantage/internal/event"
)

func (a *API) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var in event.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var merr *event.MalformedError
		if errors.As(err, &merr) {
			a.fail(w, r, err, "malformed event")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Ingest(r.Context(), in)
	if err != nil {
		a.fail(w, r, err, "failed to ingest event")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("vantage.incident_id", res.IncidentID),
		attribute.String("vantage.outcome", string(res.Outcome)),
	)
	writeJSON(w, http.StatusAccepted, res)
}
