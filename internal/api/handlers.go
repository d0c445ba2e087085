package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/httputil"
	"github.com/nadmax/activity-etl/internal/pipeline"
	"github.com/nadmax/activity-etl/internal/repository"
	"github.com/nadmax/activity-etl/internal/trigger"
)

const (
	defaultRunLimit  = 20
	maxRunLimit      = 200
	defaultStatsDays = 7
)

// Runner starts a run synchronously and executes it in the background.
type Runner interface {
	Start(ctx context.Context, logicalDate time.Time) (*pipeline.Run, error)
	Execute(ctx context.Context, run *pipeline.Run) error
}

// StageStore exposes the staged datasets of a run.
type StageStore interface {
	Stages(ctx context.Context, runID string) ([]string, error)
	Drop(ctx context.Context, runID string) error
}

type API struct {
	runner Runner
	runs   repository.RunRepository
	staged StageStore
	mux    *http.ServeMux
	now    func() time.Time
	wg     sync.WaitGroup
}

type TriggerRequest struct {
	Date string `json:"date"`
}

func NewAPI(runner Runner, runs repository.RunRepository, staged StageStore) *API {
	api := &API{
		runner: runner,
		runs:   runs,
		staged: staged,
		mux:    http.NewServeMux(),
		now:    time.Now,
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/runs", a.handleRuns)
	a.mux.HandleFunc("/api/runs/stats", a.getRunStats)
	a.mux.HandleFunc("/api/runs/", a.handleRunByID)
	a.mux.HandleFunc("/health", a.health)
	a.mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// Wait blocks until every run triggered over HTTP has finished executing.
func (a *API) Wait() {
	a.wg.Wait()
}

func (a *API) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.triggerRun(w, r)
	case http.MethodGet:
		a.listRuns(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) triggerRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req TriggerRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	date := trigger.LogicalDateFor(a.now())
	if req.Date != "" {
		date, err = analytics.ParseDate(req.Date)
		if err != nil {
			httputil.WriteJSONError(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	run, err := a.runner.Start(r.Context(), date)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The response is written before Execute starts mutating the run.
	httputil.WriteJSON(w, http.StatusAccepted, run)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.runner.Execute(context.Background(), run); err != nil {
			log.Printf("run %s for %s failed: %v", run.ID, run.Date(), err)
		}
	}()
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultRunLimit)
	if !ok {
		return
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}

	runs, err := a.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (a *API) handleRunByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	runID := parts[0]
	if runID == "" {
		httputil.WriteJSONError(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && parts[1] == "stages" {
		a.handleStages(w, r, runID)
		return
	}

	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch {
	case len(parts) == 1:
		a.getRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "attempts":
		a.getAttempts(w, r, runID)
	default:
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) handleStages(w http.ResponseWriter, r *http.Request, runID string) {
	if a.staged == nil {
		httputil.WriteJSONError(w, "Staging store not configured", http.StatusNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodGet:
		stages, err := a.staged.Stages(r.Context(), runID)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if stages == nil {
			stages = []string{}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"run_id": runID, "stages": stages})
	case http.MethodDelete:
		a.dropStages(w, r, runID)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// dropStages frees the staged data of a finished run. A run still in progress
// keeps its data since its remaining stages read from it.
func (a *API) dropStages(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := a.runs.GetRun(r.Context(), runID)
	if errors.Is(err, repository.ErrRunNotFound) {
		httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !run.Status.Terminal() {
		httputil.WriteJSONError(w, "Run is still in progress", http.StatusConflict)
		return
	}

	if err := a.staged.Drop(r.Context(), runID); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := a.runs.GetRun(r.Context(), runID)
	if errors.Is(err, repository.ErrRunNotFound) {
		httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, run)
}

func (a *API) getAttempts(w http.ResponseWriter, r *http.Request, runID string) {
	attempts, err := a.runs.GetAttempts(r.Context(), runID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []repository.AttemptRecord{}
	}

	httputil.WriteJSON(w, http.StatusOK, attempts)
}

func (a *API) getRunStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	days, ok := queryInt(w, r, "days", defaultStatsDays)
	if !ok {
		return
	}

	stats, err := a.runs.GetRunStats(r.Context(), days)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []repository.RunStats{}
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		httputil.WriteJSONError(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
