// Package handlers contains the HTTP handler implementations for the
// SalesFlow API.
//
// This file implements the maintenance handler: a manual trigger for the
// maintenance tasks that normally run on an EventBridge schedule. Useful
// for local development and operational backfills.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"salesflow/internal/core"
	"salesflow/internal/scheduler"
)

// MaintenanceRunner executes one maintenance task under the job-type lock.
// Mirrors the concrete scheduler.Runner method used by this handler.
type MaintenanceRunner interface {
	AcquireAndRun(ctx context.Context, task scheduler.TaskType, now time.Time) (scheduler.RunOutcome, error)
}

// RunMaintenanceRequest is the request body for POST /v1/maintenance/run.
type RunMaintenanceRequest struct {
	Task          string     `json:"task" validate:"required,oneof=webhook_retry dispatch_due_jobs purge_job_history"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// MaintenanceHandler exposes manual execution of maintenance tasks.
type MaintenanceHandler struct {
	runner    MaintenanceRunner
	validator *core.Validator
	logger    *slog.Logger
}

// NewMaintenanceHandler creates a new MaintenanceHandler with the provided
// dependencies.
func NewMaintenanceHandler(runner MaintenanceRunner, v *core.Validator, l *slog.Logger) *MaintenanceHandler {
	if l == nil {
		l = slog.Default()
	}
	return &MaintenanceHandler{
		runner:    runner,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts maintenance routes on the provided chi.Router.
func (h *MaintenanceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/maintenance/run", h.Run)
}

// Run handles POST /v1/maintenance/run.
//
// Executes the requested task under the distributed job lock; a run skipped
// because another worker holds the lock is reported in the outcome, not as
// an error.
func (h *MaintenanceHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunMaintenanceRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := time.Now().UTC()
	if req.ReferenceTime != nil {
		now = req.ReferenceTime.UTC()
	}

	outcome, err := h.runner.AcquireAndRun(r.Context(), scheduler.TaskType(req.Task), now)
	if err != nil {
		h.logger.Error("maintenance task failed", "task", req.Task, "error", err)
		core.Error(w, r, err)
		return
	}

	h.logger.Info("maintenance task finished",
		"task", req.Task,
		"ran", outcome.Ran,
		"skipped", outcome.Skipped,
		"items", outcome.Items,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: outcome})
}
