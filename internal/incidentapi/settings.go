package incidentapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

func (a *API) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Settings())
}

// handlePutSettings applies the fields present in the body on top of the
// current settings. compatible_event_types, when present, replaces the
// whole group table.
func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	next := a.svc.Settings()
	if _, ok := keys["compatible_event_types"]; ok {
		next.CompatibleEventTypes = nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cur, err := a.svc.UpdateSettings(r.Context(), next)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cur)
}
