/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Legislation endpoints (entities, variables, parameters)
- Calculations over situations, with traces, reforms and decompositions
- Scenario loading, dataset calculations and run records
- Error status mapping
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/warp/microsim/countries/demo"
	"github.com/warp/microsim/countrypkg"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"
	"github.com/warp/microsim/store/sqlite"
)

const demoDir = "../countries/demo"

func setupRouter(t *testing.T) (*chi.Mux, *Handler) {
	t.Helper()
	pkg, err := countrypkg.Load(demoDir)
	require.NoError(t, err)
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(pkg, store, RunOptions{MaxCycles: engine.NoCycles})
	return NewRouter(h), h
}

func do(t *testing.T, router http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func household() map[string]any {
	return map[string]any{
		"persons": map[string]any{
			"ann": map[string]any{"salary": 2000, "birth": map[string]any{"eternity": "1985-06-15"}},
			"ben": map[string]any{"birth": map[string]any{"eternity": "2010-03-01"}},
		},
		"households": map[string]any{
			"home": map[string]any{"parents": []any{"ann"}, "children": []any{"ben"}, "rent": 800},
		},
	}
}

// =============================================================================
// LEGISLATION
// =============================================================================

func TestListEntities(t *testing.T) {
	router, _ := setupRouter(t)

	var got []map[string]any
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/entities", nil, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "person", got[0]["key"])
	assert.Equal(t, true, got[0]["is_person"])
	assert.Equal(t, "households", got[1]["plural"])
	assert.Len(t, got[1]["roles"], 2)
}

func TestVariables(t *testing.T) {
	router, h := setupRouter(t)

	var list []VariableSummaryDTO
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/variables", nil, &list))
	assert.Len(t, list, len(h.Package().System.Variables()))

	var v VariableDTO
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/variables/housing_occupancy_status", nil, &v))
	assert.Equal(t, "enum", v.ValueType)
	assert.Equal(t, "household", v.Entity)
	assert.Equal(t, "tenant", v.Default)
	assert.Equal(t, []string{"tenant", "owner", "free_lodger"}, v.PossibleValues)

	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/variables/basic_income", nil, &v))
	require.Len(t, v.Formulas, 2)
	assert.Equal(t, "2015-12-01", v.Formulas[0].Start)
	assert.Equal(t, "2016-11-30", v.Formulas[0].Stop)

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, do(t, router, "GET", "/api/variables/nope", nil, &e))
	assert.Contains(t, e.Details, "nope")
}

func TestGetParameter(t *testing.T) {
	router, _ := setupRouter(t)

	// GIVEN the root
	var root ParameterDTO
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/parameters", nil, &root))
	assert.Equal(t, "node", root.Type)
	assert.Equal(t, []string{"benefits", "general", "taxes"}, root.Children)

	// GIVEN a leaf evaluated on an instant
	var p ParameterDTO
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/parameters?path=taxes.income_tax_rate&instant=2016-05-01", nil, &p))
	assert.Equal(t, "parameter", p.Type)
	assert.Equal(t, "rate", p.Format)
	assert.Equal(t, 0.16, p.Value)
	require.Len(t, p.Values, 2)
	assert.Equal(t, "2013-01-01", p.Values[0].Start)
	assert.Equal(t, "2014-12-31", p.Values[0].Stop)
	require.NotNil(t, p.Metadata)
	assert.Equal(t, "Flat income tax rate", p.Metadata.Description)

	// GIVEN a scale
	var s ParameterDTO
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/parameters?path=taxes.social_security_contribution", nil, &s))
	assert.Equal(t, "scale", s.Type)
	assert.Equal(t, "marginal_rate", s.Kind)
	assert.Len(t, s.Brackets, 2)

	// THEN unknown paths and closed series answer 404
	assert.Equal(t, http.StatusNotFound, do(t, router, "GET", "/api/parameters?path=taxes.nope", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, router, "GET", "/api/parameters?path=benefits.housing_allowance&instant=2021-01-01", nil, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, router, "GET", "/api/parameters?path=taxes&instant=soon", nil, nil))
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func TestCalculate_FlatInput(t *testing.T) {
	router, _ := setupRouter(t)

	// GIVEN one salaried adult
	req := CalculateRequest{
		Period:    "2017-01",
		Input:     map[string]any{"salary": 3000, "birth": map[string]any{"eternity": "1980-01-01"}},
		Variables: []string{"income_tax", "age", "disposable_income"},
	}

	// WHEN calculating
	var resp CalculateResponse
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/calculate", req, &resp))

	// THEN results are keyed by plural and id
	person := resp.Results["persons"]["person"]
	require.NotNil(t, person)
	assert.InDelta(t, 480, person["income_tax"], 1e-9)
	assert.InDelta(t, 37, person["age"], 1e-9)
	assert.InDelta(t, 3060, person["disposable_income"], 1e-9)
	assert.Equal(t, "2017-01", resp.Period)
}

func TestCalculate_Household(t *testing.T) {
	router, _ := setupRouter(t)

	req := CalculateRequest{
		Period:    "2017-01",
		Input:     household(),
		Variables: []string{"household_income", "housing_occupancy_status", "is_parent"},
	}
	var resp CalculateResponse
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/calculate", req, &resp))

	home := resp.Results["households"]["home"]
	assert.InDelta(t, 2540, home["household_income"], 1e-9)
	assert.Equal(t, "tenant", home["housing_occupancy_status"])
	assert.Equal(t, true, resp.Results["persons"]["ann"]["is_parent"])
	assert.Equal(t, false, resp.Results["persons"]["ben"]["is_parent"])
}

func TestCalculate_WithReform(t *testing.T) {
	router, _ := setupRouter(t)

	req := CalculateRequest{
		Period:    "2017-01",
		Input:     map[string]any{"salary": 3000},
		Variables: []string{"income_tax", "social_security_contribution"},
		Reforms:   []string{"demo.flat_tax"},
	}
	var resp CalculateResponse
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/calculate", req, &resp))
	assert.InDelta(t, 600, resp.Results["persons"]["person"]["income_tax"], 1e-9)
	assert.InDelta(t, 0, resp.Results["persons"]["person"]["social_security_contribution"], 1e-9)
}

func TestCalculate_Errors(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		name   string
		req    CalculateRequest
		status int
	}{
		{"missing period", CalculateRequest{Variables: []string{"salary"}}, http.StatusBadRequest},
		{"bad period", CalculateRequest{Period: "someday", Variables: []string{"salary"}}, http.StatusBadRequest},
		{"no variables", CalculateRequest{Period: "2017-01"}, http.StatusBadRequest},
		{"unknown variable", CalculateRequest{Period: "2017-01", Variables: []string{"nope"}}, http.StatusNotFound},
		{"unknown input", CalculateRequest{Period: "2017-01", Input: map[string]any{"nope": 1}, Variables: []string{"salary"}}, http.StatusNotFound},
		{"unknown reform", CalculateRequest{Period: "2017-01", Variables: []string{"salary"}, Reforms: []string{"nope"}}, http.StatusBadRequest},
		{"too many parents", CalculateRequest{
			Period: "2017-01",
			Input: map[string]any{
				"persons":    map[string]any{"a": nil, "b": nil, "c": nil},
				"households": map[string]any{"h": map[string]any{"parents": []any{"a", "b", "c"}}},
			},
			Variables: []string{"salary"},
		}, http.StatusBadRequest},
		{"month variable over a year", CalculateRequest{Period: "2017", Variables: []string{"housing_occupancy_status"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e ErrorResponse
			assert.Equal(t, tt.status, do(t, router, "POST", "/api/calculate", tt.req, &e))
			assert.NotEmpty(t, e.Error)
		})
	}

	var e ErrorResponse
	req := httptest.NewRequest("POST", "/api/calculate", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "Invalid request body", e.Error)
}

func TestTrace(t *testing.T) {
	router, _ := setupRouter(t)

	req := CalculateRequest{
		Period:    "2017-01",
		Input:     map[string]any{"salary": 3000},
		Variables: []string{"income_tax"},
	}
	var resp TraceResponse
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/trace", req, &resp))

	require.Len(t, resp.Trace, 1)
	assert.Equal(t, "income_tax", resp.Trace[0].Variable)
	assert.NotEmpty(t, resp.Trace[0].Children)
	assert.Contains(t, resp.Text, "income_tax<2017-01>")
	assert.Contains(t, resp.Text, "taxes.income_tax_rate")
	assert.InDelta(t, 480, resp.Results["persons"]["person"]["income_tax"], 1e-9)
}

func TestDecomposition(t *testing.T) {
	router, _ := setupRouter(t)

	req := DecompositionRequest{Period: "2017-01", Input: household(), Entity: "households"}
	var resp DecompositionResponse
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/decomposition", req, &resp))

	assert.Equal(t, []string{"home"}, resp.IDs)
	require.NotNil(t, resp.Tree)
	assert.Equal(t, "household_income", resp.Tree.Code)
	require.Len(t, resp.Tree.Values, 1)
	assert.InDelta(t, 2540, resp.Tree.Values[0], 1e-9)
	assert.Len(t, resp.Tree.Children, 4)
}

// =============================================================================
// DATASETS & RUNS
// =============================================================================

func TestScenarioDatasetRuns(t *testing.T) {
	router, _ := setupRouter(t)

	// GIVEN the package's test cases as scenarios
	var scenarios []ScenarioDTO
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/scenarios", nil, &scenarios))
	require.Len(t, scenarios, 5)
	assert.Equal(t, "tenant-household-in-2017", scenarios[0].ID)
	assert.Equal(t, "salaried-adult-in-2017", scenarios[1].ID)
	assert.Equal(t, []string{"demo.flat_tax"}, scenarios[4].Reforms)

	// WHEN the household scenario is stored
	var ds sqlite.Dataset
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/scenarios/load",
		LoadScenarioRequest{ScenarioID: "tenant-household-in-2017"}, &ds))
	assert.Equal(t, 2, ds.Persons)
	assert.Equal(t, "2017-01", ds.Period.String())

	var list []sqlite.Dataset
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/datasets", nil, &list))
	require.Len(t, list, 1)

	// THEN it can be calculated on its default period
	var run sqlite.Run
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/datasets/tenant-household-in-2017/calculate",
		DatasetCalculateRequest{Variables: []string{"household_income", "housing_allowance", "is_parent", "housing_occupancy_status"}}, &run))
	assert.Equal(t, "completed", run.Status)
	assert.InDelta(t, 2540, run.Totals["household_income"], 1e-9)
	assert.InDelta(t, 200, run.Totals["housing_allowance"], 1e-9)
	assert.InDelta(t, 1, run.Totals["is_parent"], 1e-9)
	assert.NotContains(t, run.Totals, "housing_occupancy_status")

	// AND under a reform
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/datasets/tenant-household-in-2017/calculate",
		DatasetCalculateRequest{Variables: []string{"income_tax"}, Reforms: []string{"demo.flat_tax"}}, &run))
	assert.InDelta(t, 400, run.Totals["income_tax"], 1e-9)

	// AND failures are recorded too
	assert.Equal(t, http.StatusNotFound, do(t, router, "POST", "/api/datasets/tenant-household-in-2017/calculate",
		DatasetCalculateRequest{Variables: []string{"nope"}}, nil))

	var runs []sqlite.Run
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/runs?dataset=tenant-household-in-2017", nil, &runs))
	require.Len(t, runs, 3)
	statuses := map[string]int{}
	for _, r := range runs {
		statuses[r.Status]++
	}
	assert.Equal(t, map[string]int{"completed": 2, "failed": 1}, statuses)

	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/runs?limit=1", nil, &runs))
	assert.Len(t, runs, 1)
	assert.Equal(t, http.StatusBadRequest, do(t, router, "GET", "/api/runs?limit=many", nil, nil))
}

func TestDatasetErrors(t *testing.T) {
	router, h := setupRouter(t)

	assert.Equal(t, http.StatusNotFound, do(t, router, "POST", "/api/datasets/missing/calculate",
		DatasetCalculateRequest{Variables: []string{"salary"}}, nil))
	assert.Equal(t, http.StatusNotFound, do(t, router, "POST", "/api/scenarios/load",
		LoadScenarioRequest{ScenarioID: "missing"}, nil))

	// a stored dataset without default period needs one in the request
	sys := h.Package().System
	built, err := scenario.Situation{"persons": {"a": {}}, "households": {"h": {"parents": []any{"a"}}}}.Build(sys, periods.Period{})
	require.NoError(t, err)
	require.NoError(t, h.Store.SaveDataset(t.Context(), sqlite.Dataset{Name: "undated"}, built, sys))
	assert.Equal(t, http.StatusBadRequest, do(t, router, "POST", "/api/datasets/undated/calculate",
		DatasetCalculateRequest{Variables: []string{"salary"}}, nil))

	// without a store dataset endpoints are unavailable
	noStore := NewRouter(NewHandler(h.Package(), nil, RunOptions{}))
	assert.Equal(t, http.StatusServiceUnavailable, do(t, noStore, "GET", "/api/datasets", nil, nil))
}

func TestHealth(t *testing.T) {
	router, h := setupRouter(t)

	var health HealthDTO
	require.Equal(t, http.StatusOK, do(t, router, "GET", "/api/health", nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, demoDir, health.Country)
	assert.Equal(t, len(h.Package().System.Variables()), health.Variables)
	assert.NotEmpty(t, health.LoadedAt)
}
