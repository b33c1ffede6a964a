package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/dvloznov/ledger-reconciler/internal/api/middleware"
	"github.com/dvloznov/ledger-reconciler/internal/override"
	"github.com/dvloznov/ledger-reconciler/internal/workspace"
)

// OverridesHandler handles manual category assignments.
type OverridesHandler struct {
	ws  *workspace.Workspace
	log zerolog.Logger
}

// NewOverridesHandler creates a new overrides handler.
func NewOverridesHandler(ws *workspace.Workspace, log zerolog.Logger) *OverridesHandler {
	return &OverridesHandler{ws: ws, log: log}
}

// ApplyOverride handles POST /api/overrides
func (h *OverridesHandler) ApplyOverride(w http.ResponseWriter, r *http.Request) {
	var req override.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	entry, err := h.ws.ApplyOverride(r.Context(), req)
	if err != nil {
		if middleware.StatusFor(err) == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("transaction_id", req.TransactionID).Msg("Failed to apply override")
		}
		middleware.WriteDomainError(w, err, "Failed to apply override")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, entry)
}

// ListOverrides handles GET /api/overrides
func (h *OverridesHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := override.Filter{
		Platform: query.Get("platform"),
		Source:   override.Source(query.Get("source")),
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		filter.Offset = offset
	}

	entries, err := h.ws.ListOverrides(r.Context(), filter)
	if err != nil {
		if middleware.StatusFor(err) == http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("Failed to list overrides")
		}
		middleware.WriteDomainError(w, err, "Failed to list overrides")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"overrides": entries,
		"count":     len(entries),
	})
}

// Categories handles GET /api/categories
func (h *OverridesHandler) Categories(w http.ResponseWriter, r *http.Request) {
	nodes := h.ws.Tree().Nodes()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"categories": nodes,
		"count":      len(nodes),
	})
}
