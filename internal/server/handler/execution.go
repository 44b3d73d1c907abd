package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/avdcosta/stopguard/internal/domain"
)

// ExecutionSource defines the read queries the execution handler requires.
type ExecutionSource interface {
	ListByStatus(ctx context.Context, clientID string, status domain.ExecutionStatus, opts domain.ListOpts) ([]domain.StopExecution, error)
}

// EventSource defines the read queries the client event feed requires.
type EventSource interface {
	ListByClient(ctx context.Context, clientID string, opts domain.ListOpts) ([]domain.StopEvent, error)
}

// ExecutionHandler serves tenant-scoped execution and event queries.
type ExecutionHandler struct {
	execs  ExecutionSource
	events EventSource
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler over the given sources.
func NewExecutionHandler(execs ExecutionSource, events EventSource, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		execs:  execs,
		events: events,
		logger: logger,
	}
}

// listExecutionsResponse wraps the list executions response.
type listExecutionsResponse struct {
	Executions []executionView `json:"executions"`
}

// ListExecutions returns a tenant's executions filtered by status.
// GET /api/executions?client_id=...&status=PENDING&limit=50&offset=0
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}

	status := domain.ExecutionStatus(q.Get("status"))
	if status == "" {
		status = domain.ExecutionPending
	}

	execs, err := h.execs.ListByStatus(r.Context(), clientID, status, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list executions failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	views := make([]executionView, 0, len(execs))
	for _, ex := range execs {
		views = append(views, toExecutionView(ex))
	}
	writeJSON(w, http.StatusOK, listExecutionsResponse{Executions: views})
}

// ListClientEvents returns a tenant's stop events, newest first.
// GET /api/events?client_id=...&limit=50&offset=0
func (h *ExecutionHandler) ListClientEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}

	events, err := h.events.ListByClient(r.Context(), clientID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list client events failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, toEventView(ev))
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: views})
}
