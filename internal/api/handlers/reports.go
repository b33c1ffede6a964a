package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/ledger-reconciler/internal/api/middleware"
	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/report"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
)

// LedgerHandler serves the enriched ledger and its aggregations.
type LedgerHandler struct {
	sources Sources
	tree    *taxonomy.Tree
	log     zerolog.Logger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(sources Sources, tree *taxonomy.Tree, log zerolog.Logger) *LedgerHandler {
	if tree == nil {
		tree = taxonomy.NewTree(nil)
	}
	return &LedgerHandler{sources: sources, tree: tree, log: log}
}

// ListTransactions handles GET /api/ledger
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	h.Report(w, r, "transactions")
}

// Report handles GET /api/reports/{name}
func (h *LedgerHandler) Report(w http.ResponseWriter, r *http.Request, name string) {
	records, ok := h.records(w, r)
	if !ok {
		return
	}
	body, err := report.Build(name, records, h.tree, r.URL.Query())
	if err != nil {
		middleware.WriteDomainError(w, err, "Failed to build report")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, body)
}

func (h *LedgerHandler) records(w http.ResponseWriter, r *http.Request) ([]*domain.LedgerRecord, bool) {
	records, _, err := h.sources.load(r.Context(), r.URL.Query())
	if err != nil {
		if middleware.StatusFor(err) == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to load ledger")
		}
		middleware.WriteDomainError(w, err, "Failed to load ledger")
		return nil, false
	}
	return records, true
}
