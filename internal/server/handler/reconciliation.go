package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// ReconciliationService runs and reads reconciliation reports.
type ReconciliationService interface {
	RunReconciliation(ctx context.Context, trigger string) (domain.ReconciliationReport, error)
	ListReports(ctx context.Context, opts domain.ListOpts) ([]domain.ReconciliationReport, error)
	GetReport(ctx context.Context, id string) (domain.ReconciliationReport, error)
}

// ReconciliationHandler serves the operator reconciliation endpoints.
type ReconciliationHandler struct {
	recon  ReconciliationService
	logger *slog.Logger
}

// NewReconciliationHandler creates a ReconciliationHandler.
func NewReconciliationHandler(recon ReconciliationService, logger *slog.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{recon: recon, logger: logger}
}

// Run starts a reconciliation and waits for its report.
// POST /api/admin/reconciliation/run
func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	rep, err := h.recon.RunReconciliation(r.Context(), "operator:"+operator(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "run reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ListReports pages reports, most recent first.
// GET /api/admin/reconciliation/reports
func (h *ReconciliationHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	reps, err := h.recon.ListReports(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list reports", err)
		return
	}
	writeJSON(w, http.StatusOK, page(reps, opts))
}

// GetReport returns one report.
// GET /api/admin/reconciliation/reports/{id}
func (h *ReconciliationHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.recon.GetReport(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
