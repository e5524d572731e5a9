/*
scenarios.go - Demo scenario endpoints

PURPOSE:
  Lists and loads the built-in datasets of the factory package so a dev
  environment can be put in a known state (budget race, temporary deposit,
  ministry pool, expiring bookings, subscription journeys).

AVAILABILITY:
  Only active when Handler.Seeder is set. main.go sets it in the dev
  environment; elsewhere both endpoints answer 404 so the routes cannot be
  used to write into a production database.

SEE ALSO:
  - factory/scenarios.go: Scenario datasets
  - factory/dataset.go: Loader
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/passculture/eac-engine/factory"
)

// LoadScenarioResponse reports what a scenario load wrote.
type LoadScenarioResponse struct {
	Status   string           `json:"status"`
	Scenario string           `json:"scenario"`
	Summary  *factory.Summary `json:"summary"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	if h.Seeder == nil {
		writeError(w, http.StatusNotFound, "SCENARIOS_DISABLED", "scenarios are disabled", nil)
		return
	}
	all := factory.Scenarios()
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description, Category: s.Category}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads a predefined scenario on top of the current data.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Seeder == nil {
		writeError(w, http.StatusNotFound, "SCENARIOS_DISABLED", "scenarios are disabled", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	sc, ok := factory.FindScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "SCENARIO_NOT_FOUND", "unknown scenario "+req.ScenarioID, nil)
		return
	}

	summary, err := factory.NewLoader(h.Seeder, h.Now).LoadJSON(r.Context(), sc.Dataset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.Logger.InfoContext(r.Context(), "scenario loaded",
		"scenario", sc.ID, "bookings", len(summary.BookingIDs), "users", summary.Users)
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: sc.ID, Summary: summary})
}
