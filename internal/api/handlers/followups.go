// Package handlers contains the HTTP handler implementations for the
// SalesFlow API.
//
// This file implements the follow-up lifecycle handler:
//   - Enable, Disable and SkipToNextStep for a ticket's follow-up sequence
//   - Status retrieval
//   - Route registration
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"salesflow/internal/core"
	"salesflow/internal/types"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally following the handler injection
// pattern: handlers depend on abstractions for testability and to avoid
// coupling to concrete implementations.

// FollowUpService defines the follow-up lifecycle operations exposed over
// HTTP. Mirrors the concrete followup.Service methods used by this handler.
type FollowUpService interface {
	Enable(ctx context.Context, ticketID string, orgID string) error
	Disable(ctx context.Context, ticketID string) error
	// SkipToNextStep reports whether another step remains after the skip.
	SkipToNextStep(ctx context.Context, ticketID string) (bool, error)
	Status(ctx context.Context, ticketID string) (*types.FollowUpStatus, error)
}

// --- Request/Response Models ---

// EnableFollowUpRequest is the request body for
// POST /v1/tickets/{ticketID}/follow-up/enable.
type EnableFollowUpRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
}

// FollowUpActionResponse acknowledges a lifecycle transition.
type FollowUpActionResponse struct {
	TicketID string `json:"ticket_id"`
	Action   string `json:"action"`
}

// --- Handler ---

// FollowUpHandler manages the follow-up lifecycle for tickets.
type FollowUpHandler struct {
	svc       FollowUpService
	validator *core.Validator
	logger    *slog.Logger
}

// NewFollowUpHandler creates a new FollowUpHandler with the provided
// dependencies.
func NewFollowUpHandler(svc FollowUpService, v *core.Validator, l *slog.Logger) *FollowUpHandler {
	if l == nil {
		l = slog.Default()
	}
	return &FollowUpHandler{
		svc:       svc,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts follow-up routes on the provided chi.Router.
func (h *FollowUpHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tickets/{ticketID}/follow-up", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Post("/enable", h.Enable)
		r.Post("/disable", h.Disable)
		r.Post("/skip", h.Skip)
	})
}

// --- Handler Methods ---

// Enable handles POST /v1/tickets/{ticketID}/follow-up/enable.
//
// Starts the follow-up sequence at step 1 for the ticket. Already-enabled
// tickets surface a conflict (409); a missing or empty follow-up
// configuration surfaces 422.
func (h *FollowUpHandler) Enable(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	var req EnableFollowUpRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.svc.Enable(r.Context(), ticketID, req.OrganizationID); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.Info("follow-up enabled", "ticket_id", ticketID, "organization_id", req.OrganizationID)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: FollowUpActionResponse{TicketID: ticketID, Action: "enabled"},
	})
}

// Disable handles POST /v1/tickets/{ticketID}/follow-up/disable.
//
// Cancels any pending scheduled message and clears the step pointer.
// Already-disabled tickets surface a conflict (409).
func (h *FollowUpHandler) Disable(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	if err := h.svc.Disable(r.Context(), ticketID); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.Info("follow-up disabled", "ticket_id", ticketID)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: FollowUpActionResponse{TicketID: ticketID, Action: "disabled"},
	})
}

// Skip handles POST /v1/tickets/{ticketID}/follow-up/skip.
//
// Cancels the pending step and schedules the next one; skipping past the
// last step completes the sequence, which the response reports as
// "completed" rather than "skipped". A ticket with nothing to skip surfaces
// a conflict (409).
func (h *FollowUpHandler) Skip(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	remaining, err := h.svc.SkipToNextStep(r.Context(), ticketID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	action := "skipped"
	if !remaining {
		action = "completed"
	}

	h.logger.Info("follow-up step skipped", "ticket_id", ticketID, "action", action)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: FollowUpActionResponse{TicketID: ticketID, Action: action},
	})
}

// Status handles GET /v1/tickets/{ticketID}/follow-up.
func (h *FollowUpHandler) Status(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	status, err := h.svc.Status(r.Context(), ticketID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: status})
}
