/*
scenarios.go - Country test cases as loadable datasets

PURPOSE:
	Every test case shipped with a country package describes a small
	population. Scenarios expose those cases so that a demo or a notebook can
	turn one into a stored dataset and run dataset calculations on it.

HOW SCENARIOS WORK:
 1. Each test case becomes a scenario whose id is its name, slugified
 2. Loading a scenario expands the case input into a situation
 3. The situation is built against the current legislation and saved as a
    dataset named after the scenario, with the case period as default

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "salaried-adult-in-2017"}

NOTE:
	The case's expected outputs and reforms are not stored; a dataset only
	holds populations and inputs.

SEE ALSO:
  - handlers.go: dataset endpoints
  - scenario/testcase.go: TestCase
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/warp/microsim/countrypkg"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"
	"github.com/warp/microsim/store/sqlite"
)

// ScenarioDTO describes one loadable test case.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Period      string   `json:"period"`
	File        string   `json:"file,omitempty"`
	Reforms     []string `json:"reforms,omitempty"`
}

// LoadScenarioRequest names the scenario to store.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Scenarios lists the package's test cases as scenarios.
func Scenarios(pkg *countrypkg.Package) []ScenarioDTO {
	out := make([]ScenarioDTO, len(pkg.Tests))
	for i, tc := range pkg.Tests {
		out[i] = ScenarioDTO{
			ID:          slugify(tc.Name),
			Name:        tc.Name,
			Description: tc.Description,
			Period:      tc.Period,
			File:        tc.File,
			Reforms:     tc.Reforms,
		}
	}
	return out
}

// SaveScenario stores the test case with the given scenario id as a dataset
// of the same name.
func SaveScenario(ctx context.Context, store *sqlite.Store, pkg *countrypkg.Package, id string) (*sqlite.Dataset, error) {
	for _, tc := range pkg.Tests {
		if slugify(tc.Name) != id {
			continue
		}
		period, err := periods.Parse(tc.Period)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", id, err)
		}
		situation, err := scenario.Expand(pkg.System, tc.Input)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", id, err)
		}
		built, err := situation.Build(pkg.System, period)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", id, err)
		}
		ds := sqlite.Dataset{Name: id, Description: tc.Name, Period: period}
		if err := store.SaveDataset(ctx, ds, built, pkg.System); err != nil {
			return nil, err
		}
		return store.GetDataset(ctx, id)
	}
	return nil, fmt.Errorf("%w: no scenario %q", sqlite.ErrDatasetNotFound, id)
}

// SeedScenarios stores every scenario of pkg and returns the dataset names.
func SeedScenarios(ctx context.Context, store *sqlite.Store, pkg *countrypkg.Package) ([]string, error) {
	var names []string
	for _, s := range Scenarios(pkg) {
		if _, err := SaveScenario(ctx, store, pkg, s.ID); err != nil {
			return names, err
		}
		names = append(names, s.ID)
	}
	return names, nil
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios(h.Package()))
}

// LoadScenario stores a scenario as a dataset.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ds, err := SaveScenario(r.Context(), h.Store, h.Package(), req.ScenarioID)
	if err != nil {
		writeEngineError(w, "Failed to load scenario", err)
		return
	}

	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID, "persons", ds.Persons)
	writeJSON(w, http.StatusCreated, ds)
}
