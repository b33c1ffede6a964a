package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/ledger-reconciler/internal/api/middleware"
	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/jobs"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
	"github.com/dvloznov/ledger-reconciler/internal/workspace"
)

// maxBatchBytes caps inline batches posted to /api/runs.
const maxBatchBytes = 32 << 20

// RunsHandler handles reconciliation run endpoints.
type RunsHandler struct {
	ws        *workspace.Workspace
	publisher jobs.Publisher
	store     jobs.JobStore
	log       zerolog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(ws *workspace.Workspace, publisher jobs.Publisher, store jobs.JobStore, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		ws:        ws,
		publisher: publisher,
		store:     store,
		log:       log,
	}
}

type runRequest struct {
	Source  string             `json:"source"`
	Records []ledger.RawRecord `json:"records"`
}

// runView is a run without its records.
type runView struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Summary    any                      `json:"summary"`
	Quarantine []ledger.QuarantineEntry `json:"quarantine"`
	ReviewSize int                      `json:"review_items"`
	Locations  map[string]string        `json:"locations,omitempty"`
}

func viewOf(out *workspace.Outcome) runView {
	return runView{
		RunID:      out.Run.RunID,
		StartedAt:  out.Run.StartedAt,
		FinishedAt: out.Run.FinishedAt,
		Summary:    out.Run.Summary,
		Quarantine: out.Run.Quarantine,
		ReviewSize: len(out.Run.Review),
		Locations:  out.Locations,
	}
}

// CreateRun handles POST /api/runs. The body carries either a gs:// source
// or inline records. With ?wait=true the run executes in the request;
// otherwise a job is enqueued and 202 returned.
func (h *RunsHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch {
	case req.Source != "" && len(req.Records) > 0:
		middleware.WriteError(w, http.StatusBadRequest, "source and records are mutually exclusive")
		return
	case req.Source == "" && len(req.Records) == 0:
		middleware.WriteError(w, http.StatusBadRequest, "source or records is required")
		return
	case req.Source != "" && !strings.HasPrefix(req.Source, "gs://"):
		middleware.WriteError(w, http.StatusBadRequest, "source must be a gs:// URI")
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if req.Source != "" {
			middleware.WriteError(w, http.StatusBadRequest, "wait is only supported for inline records")
			return
		}
		out, err := h.ws.Reconcile(ctx, jobs.SourceInline, req.Records)
		if out == nil {
			log.Error().Err(err).Msg("Failed to reconcile batch")
			middleware.WriteDomainError(w, err, "Failed to reconcile batch")
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("run_id", out.Run.RunID).Msg("Run committed with sink errors")
		}
		middleware.WriteJSON(w, http.StatusCreated, viewOf(out))
		return
	}

	job := &jobs.ReconcileJob{
		JobID:      uuid.NewString(),
		Source:     req.Source,
		Raws:       req.Records,
		Status:     jobs.JobStatusPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: jobs.DefaultMaxRetries,
	}
	if job.Source == "" {
		job.Source = jobs.SourceInline
	}
	if h.store != nil {
		if err := h.store.SaveJob(ctx, job); err != nil {
			log.Error().Err(err).Msg("Failed to save job")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue run")
			return
		}
	}
	if err := h.publisher.PublishReconcile(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue reconcile job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue run")
		return
	}

	log.Info().Str("job_id", job.JobID).Str("source", job.Source).Int("records", len(job.Raws)).Msg("Reconcile job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"source": job.Source,
		"status": string(job.Status),
	})
}

// LatestRun handles GET /api/runs/latest
func (h *RunsHandler) LatestRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ws.Latest()
	if !ok {
		middleware.WriteDomainError(w, workspace.ErrNoRun, "")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewOf(&workspace.Outcome{Run: run}))
}

// Rerun handles POST /api/runs/rerun
func (h *RunsHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	out, err := h.ws.Rerun(r.Context())
	if out == nil {
		middleware.WriteDomainError(w, err, "Failed to rerun ledger")
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("run_id", out.Run.RunID).Msg("Rerun committed with sink errors")
	}
	middleware.WriteJSON(w, http.StatusCreated, viewOf(out))
}

// Review handles GET /api/review
func (h *RunsHandler) Review(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ws.Latest()
	if !ok {
		middleware.WriteDomainError(w, workspace.ErrNoRun, "")
		return
	}

	kind := r.URL.Query().Get("kind")
	items := run.Review[:0:0]
	for _, item := range run.Review {
		if kind == "" || item.Kind == kind {
			items = append(items, item)
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.RunID,
		"items":  items,
		"count":  len(items),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Source: query.Get("source"),
		Status: jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
