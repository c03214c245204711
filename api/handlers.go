/*
handlers.go - HTTP API handlers for the microsimulation engine

PURPOSE:
  Exposes a loaded country package via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Legislation:
    GET    /api/entities                 Entity kinds and roles
    GET    /api/variables                All variables
    GET    /api/variables/{name}         One variable declaration
    GET    /api/parameters               Parameter tree (?path=&instant=)
    GET    /api/reforms                  Registered reforms

  Calculations:
    POST   /api/calculate                Evaluate variables over a situation
    POST   /api/trace                    Same, with the calculation tree
    POST   /api/decomposition            Decomposition tree over a situation

  Datasets:
    GET    /api/datasets                 Stored datasets
    POST   /api/datasets/{name}/calculate Totals over a dataset (records a run)
    GET    /api/runs                     Calculation runs (?dataset=&limit=)
    GET    /api/scenarios                Country test cases
    POST   /api/scenarios/load           Store a test case as a dataset

  GET    /api/health                     Liveness and loaded legislation

ARCHITECTURE:
  Handler holds the store and the current country package. The package is
  swapped atomically when the Watcher reloads it; every request works on
  the package it read at its start.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid situation, period, unknown reform, mismatched types
  - 404: Unknown variable, parameter, entity or dataset
  - 409: Dataset does not fit the loaded legislation
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - calculate.go: Simulation building shared with the CLI
  - scenarios.go: Test cases as datasets
  - watcher.go: Legislation hot reload
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/microsim/countrypkg"
	"github.com/warp/microsim/decomposition"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/entities"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/reforms"
	"github.com/warp/microsim/scenario"
	"github.com/warp/microsim/store/sqlite"
)

// ErrInvalidRequest is returned for malformed request bodies.
var ErrInvalidRequest = errors.New("invalid request")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type loaded struct {
	pkg *countrypkg.Package
	at  time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Options RunOptions
	Logger  *slog.Logger

	current atomic.Pointer[loaded]
}

// NewHandler creates a handler serving pkg. store may be nil, in which case
// dataset endpoints answer 503.
func NewHandler(pkg *countrypkg.Package, store *sqlite.Store, opts RunOptions) *Handler {
	h := &Handler{Store: store, Options: opts, Logger: opts.Logger}
	if h.Logger == nil {
		h.Logger = slog.Default()
		h.Options.Logger = h.Logger
	}
	h.SetPackage(pkg)
	return h
}

// SetPackage replaces the served country package.
func (h *Handler) SetPackage(pkg *countrypkg.Package) {
	h.current.Store(&loaded{pkg: pkg, at: time.Now().UTC()})
}

// Package returns the served country package.
func (h *Handler) Package() *countrypkg.Package {
	return h.current.Load().pkg
}

func (h *Handler) system() *engine.System {
	return h.Package().System
}

// =============================================================================
// LEGISLATION HANDLERS
// =============================================================================

// ListEntities returns the person kind followed by the group kinds.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	sys := h.system()
	out := append([]*entities.Entity{sys.Person()}, sys.Groups()...)
	writeJSON(w, http.StatusOK, out)
}

// ListVariables returns every variable, by name.
func (h *Handler) ListVariables(w http.ResponseWriter, r *http.Request) {
	vars := h.system().Variables()
	dtos := make([]VariableSummaryDTO, len(vars))
	for i, v := range vars {
		dtos[i] = VariableSummaryDTO{Name: v.Name, Entity: v.Entity, Label: v.Label}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetVariable returns one variable declaration.
func (h *Handler) GetVariable(w http.ResponseWriter, r *http.Request) {
	v, err := h.system().GetVariable(chi.URLParam(r, "name"))
	if err != nil {
		writeEngineError(w, "Variable not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toVariableDTO(v))
}

// GetParameter describes the item at ?path= (the root when empty). With
// ?instant= the item is also evaluated on that date.
func (h *Handler) GetParameter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dto, err := DescribeParameter(h.system().Legislation(), q.Get("path"), q.Get("instant"))
	if err != nil {
		writeEngineError(w, "Parameter lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListReforms returns the registered reforms.
func (h *Handler) ListReforms(w http.ResponseWriter, r *http.Request) {
	list := reforms.List()
	dtos := make([]ReformDTO, len(list))
	for i, rf := range list {
		dtos[i] = ReformDTO{Name: rf.Name, Description: rf.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CALCULATION HANDLERS
// =============================================================================

// Calculate evaluates the requested variables over a situation.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sim, period, err := NewSimulation(h.system(), req, h.Options)
	if err != nil {
		writeEngineError(w, "Invalid situation", err)
		return
	}
	results, err := Calculate(sim, period, req.Variables)
	if err != nil {
		writeEngineError(w, "Calculation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, CalculateResponse{Period: period.String(), Results: results})
}

// Trace is Calculate with the calculation tree of every requested variable.
func (h *Handler) Trace(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	opts := h.Options
	opts.Trace = true
	sim, period, err := NewSimulation(h.system(), req, opts)
	if err != nil {
		writeEngineError(w, "Invalid situation", err)
		return
	}
	results, err := Calculate(sim, period, req.Variables)
	if err != nil {
		writeEngineError(w, "Calculation failed", err)
		return
	}

	var text bytes.Buffer
	if err := sim.Traceback().Print(&text); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render trace", err)
		return
	}
	writeJSON(w, http.StatusOK, TraceResponse{
		CalculateResponse: CalculateResponse{Period: period.String(), Results: results},
		Trace:             sim.Traceback().Roots(),
		Text:              text.String(),
	})
}

// Decomposition computes the package's decomposition tree.
func (h *Handler) Decomposition(w http.ResponseWriter, r *http.Request) {
	pkg := h.Package()
	if pkg.Decomposition == nil {
		writeError(w, http.StatusNotFound, "Country package has no decomposition", nil)
		return
	}
	var req DecompositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sim, period, err := NewSimulation(pkg.System, CalculateRequest{
		Period:  req.Period,
		Input:   req.Input,
		Reforms: req.Reforms,
	}, h.Options)
	if err != nil {
		writeEngineError(w, "Invalid situation", err)
		return
	}
	target := req.Entity
	if target == "" {
		target = pkg.System.Person().Key
	}
	e, err := pkg.System.Entity(target)
	if err != nil {
		writeEngineError(w, "Unknown entity", err)
		return
	}
	tree, err := decomposition.Compute(sim, pkg.Decomposition, period, e.Key)
	if err != nil {
		writeEngineError(w, "Decomposition failed", err)
		return
	}
	pop, err := sim.Populations().Of(e.Key)
	if err != nil {
		writeEngineError(w, "Decomposition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, DecompositionResponse{Period: period.String(), IDs: pop.IDs(), Tree: tree})
}

// =============================================================================
// DATASET HANDLERS
// =============================================================================

// ListDatasets returns the stored datasets.
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	list, err := h.Store.ListDatasets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list datasets", err)
		return
	}
	if list == nil {
		list = []sqlite.Dataset{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CalculateDataset sums variables over a stored dataset and records the
// run, failed or not.
func (h *Handler) CalculateDataset(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	name := chi.URLParam(r, "name")
	var req DatasetCalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	run, err := RunDataset(r.Context(), h.Store, h.system(), name, req, h.Options)
	if err != nil {
		if run.ID != "" {
			h.Logger.Warn("dataset calculation failed", "dataset", name, "run", run.ID, "error", err)
		}
		writeEngineError(w, "Calculation failed", err)
		return
	}

	h.Logger.Info("dataset calculated",
		"dataset", name,
		"period", run.Period,
		"variables", len(req.Variables),
		"duration", run.Duration)
	writeJSON(w, http.StatusOK, run)
}

// ListRuns returns recorded runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Store.ListRuns(r.Context(), r.URL.Query().Get("dataset"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []sqlite.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "No dataset store configured", nil)
		return false
	}
	return true
}

// Health reports the loaded legislation.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	cur := h.current.Load()
	writeJSON(w, http.StatusOK, HealthDTO{
		Status:    "ok",
		Country:   cur.pkg.Dir,
		Variables: len(cur.pkg.System.Variables()),
		LoadedAt:  cur.at.Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError picks the status from the error chain.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusOf(err), message, err)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, scenario.ErrInvalidSituation),
		errors.Is(err, entities.ErrInvalidPopulation),
		errors.Is(err, reforms.ErrReformNotFound),
		errors.Is(err, periods.ErrInvalidInstant),
		engine.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, sqlite.ErrDatasetNotFound), engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, sqlite.ErrDatasetMismatch):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
