package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/api/middleware"
)

// Router groups the handlers served by the API.
type Router struct {
	Runs      *RunsHandler
	Jobs      *JobsHandler
	Ledger    *LedgerHandler
	Overrides *OverridesHandler
}

// only rejects every method but m.
func only(m string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		fn(w, r)
	}
}

// Mux registers every endpoint on a new ServeMux.
func (rt Router) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	// Runs endpoints
	mux.HandleFunc("/api/runs", only(http.MethodPost, rt.Runs.CreateRun))
	mux.HandleFunc("/api/runs/latest", only(http.MethodGet, rt.Runs.LatestRun))
	mux.HandleFunc("/api/runs/rerun", only(http.MethodPost, rt.Runs.Rerun))
	mux.HandleFunc("/api/review", only(http.MethodGet, rt.Runs.Review))

	// Jobs endpoints
	mux.HandleFunc("/api/jobs", only(http.MethodGet, rt.Jobs.ListJobs))
	mux.HandleFunc("/api/jobs/", only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		rt.Jobs.GetJob(w, r, jobID)
	}))

	// Ledger and reports
	mux.HandleFunc("/api/ledger", only(http.MethodGet, rt.Ledger.ListTransactions))
	mux.HandleFunc("/api/reports/", only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		rt.Ledger.Report(w, r, strings.TrimPrefix(r.URL.Path, "/api/reports/"))
	}))

	// Overrides
	mux.HandleFunc("/api/overrides", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.Overrides.ListOverrides(w, r)
		case http.MethodPost:
			rt.Overrides.ApplyOverride(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})
	mux.HandleFunc("/api/categories", only(http.MethodGet, rt.Overrides.Categories))

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return mux
}
