package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/pipeline"
	"github.com/modelyard/modelyard/pkg/registry"
)

// errorResponse is the standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps a service error onto the taxonomy's HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdef.HTTPStatus(err), errorResponse{err.Error()})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Artifacts ---

func (s *server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))

	rows, err := s.reg.List(r.Context(), registry.Filter{
		UserID: q.Get("user"),
		Kind:   q.Get("kind"),
		Status: q.Get("status"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	row, err := s.reg.Get(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, row)
}

func (s *server) handleArtifactStats(w http.ResponseWriter, r *http.Request) {
	var window time.Duration

	if v := r.URL.Query().Get("window_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"window_days must be a positive integer"})

			return
		}

		window = time.Duration(days) * 24 * time.Hour
	}

	stats, err := s.eval.UsageSummary(r.Context(), chi.URLParam(r, "version"), window)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reg.Evaluations(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

type evaluateRequest struct {
	Kinds []string `json:"kinds,omitempty"`
}

// handleEvaluate runs the requested scorers (all registered when the body
// names none) and returns the recorded outcomes.
func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest

	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid request body"})

			return
		}
	}

	outcomes, err := s.eval.Evaluate(r.Context(), chi.URLParam(r, "version"), req.Kinds...)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, outcomes)
}

// --- Usage ---

// handleRecordUsage ingests one usage record from an inference service.
func (s *server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var rec registry.UsageRecord

	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if err := s.reg.RecordUsage(r.Context(), &rec); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// --- Deployments ---

func (s *server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deployer.StatusAll(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	st, err := s.deployer.Status(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, st)
}

type deployRequest struct {
	Version string `json:"version,omitempty"`
}

// handleDeploy promotes a version for the user. An empty version ref means
// the newest active artifact.
func (s *server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest

	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid request body"})

			return
		}
	}

	d, err := s.deployer.Deploy(r.Context(), chi.URLParam(r, "user"), req.Version)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleRollback(w http.ResponseWriter, r *http.Request) {
	d, err := s.deployer.Rollback(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	// Absent keep means the configured default, zero means live slot only.
	keep := -1

	if v := r.URL.Query().Get("keep"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"keep must be a non-negative integer"})

			return
		}

		keep = n
	}

	res, err := s.deployer.Cleanup(r.Context(), chi.URLParam(r, "user"), keep)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

// --- Runs ---

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))

	runs, err := s.pipeline.Runs(r.Context(), q.Get("user"), limit)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	run, err := s.pipeline.Active(r.Context(), user)
	if err != nil {
		writeError(w, err)

		return
	}

	if run == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"no active run for " + user})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

type startRunRequest struct {
	UserID       string  `json:"user_id"`
	Kind         string  `json:"kind"`
	DatasetDir   string  `json:"dataset_dir"`
	Epochs       int     `json:"epochs,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	BatchSize    int     `json:"batch_size,omitempty"`
	BaseModel    string  `json:"base_model,omitempty"`
	SkipDeploy   bool    `json:"skip_deploy,omitempty"`
}

// handleStartRun accepts a training job and returns once it is underway.
// The run continues in the background; poll the active endpoint for
// progress.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	run, err := s.pipeline.StartAsync(r.Context(), &pipeline.StartInput{
		UserID:       req.UserID,
		Kind:         req.Kind,
		DatasetDir:   req.DatasetDir,
		Epochs:       req.Epochs,
		LearningRate: req.LearningRate,
		BatchSize:    req.BatchSize,
		BaseModel:    req.BaseModel,
		SkipDeploy:   req.SkipDeploy,
	})
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.pipeline.Cancel(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}
