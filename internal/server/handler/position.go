package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
	"github.com/avdcosta/stopguard/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Open(ctx context.Context, req service.OpenRequest) (domain.PositionStopState, error)
	Status(ctx context.Context, positionID string) (service.StatusView, error)
	ListActive(ctx context.Context) ([]domain.PositionStopState, error)
	Events(ctx context.Context, positionID string) ([]domain.StopEvent, error)
	Invalidate(ctx context.Context, positionID, reason string) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// positionView is the JSON shape of a monitored position.
type positionView struct {
	PositionID  string     `json:"position_id"`
	ClientID    string     `json:"client_id"`
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	EntryPrice  string     `json:"entry_price"`
	InitialStop string     `json:"initial_stop"`
	CurrentStop string     `json:"current_stop"`
	Quantity    string     `json:"quantity"`
	Status      string     `json:"status"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

func toPositionView(p domain.PositionStopState) positionView {
	return positionView{
		PositionID:  p.PositionID,
		ClientID:    p.ClientID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		EntryPrice:  p.EntryPrice.String(),
		InitialStop: p.InitialStop.String(),
		CurrentStop: p.CurrentStop.String(),
		Quantity:    p.Quantity.String(),
		Status:      string(p.Status),
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
	}
}

// eventView is the JSON shape of one stop event.
type eventView struct {
	EventID        string         `json:"event_id"`
	EventSeq       int64          `json:"event_seq"`
	PositionID     string         `json:"position_id"`
	ClientID       string         `json:"client_id"`
	Symbol         string         `json:"symbol"`
	Type           string         `json:"type"`
	Source         string         `json:"source"`
	OccurredAt     time.Time      `json:"occurred_at"`
	ExecutionToken string         `json:"execution_token,omitempty"`
	TriggerPrice   string         `json:"trigger_price"`
	StopPrice      string         `json:"stop_price"`
	Terminal       bool           `json:"terminal"`
	Payload        map[string]any `json:"payload,omitempty"`
}

func toEventView(ev domain.StopEvent) eventView {
	return eventView{
		EventID:        ev.EventID,
		EventSeq:       ev.EventSeq,
		PositionID:     ev.PositionID,
		ClientID:       ev.ClientID,
		Symbol:         ev.Symbol,
		Type:           string(ev.Type),
		Source:         string(ev.Source),
		OccurredAt:     ev.OccurredAt,
		ExecutionToken: ev.ExecutionToken,
		TriggerPrice:   ev.TriggerPrice.String(),
		StopPrice:      ev.StopPrice.String(),
		Terminal:       ev.Terminal,
		Payload:        ev.Payload,
	}
}

// executionView is the JSON shape of the execution projection.
type executionView struct {
	ExecutionID    string     `json:"execution_id"`
	ExecutionToken string     `json:"execution_token"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	TriggerPrice   string     `json:"trigger_price"`
	StopPrice      string     `json:"stop_price"`
	Quantity       string     `json:"quantity"`
	ExitPrice      *string    `json:"exit_price,omitempty"`
	SlippagePct    *string    `json:"slippage_pct,omitempty"`
	ExchangeRef    string     `json:"exchange_ref,omitempty"`
	RetryCount     int        `json:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
}

func toExecutionView(ex domain.StopExecution) executionView {
	view := executionView{
		ExecutionID:    ex.ExecutionID,
		ExecutionToken: ex.ExecutionToken,
		Status:         string(ex.Status),
		Source:         string(ex.Source),
		TriggerPrice:   ex.TriggerPrice.String(),
		StopPrice:      ex.StopPrice.String(),
		Quantity:       ex.Quantity.String(),
		ExchangeRef:    ex.ExchangeRef,
		RetryCount:     ex.RetryCount,
		NextRetryAt:    ex.NextRetryAt,
		LastError:      ex.LastError,
		TriggeredAt:    ex.TriggeredAt,
		ExecutedAt:     ex.ExecutedAt,
		FailedAt:       ex.FailedAt,
	}
	if ex.ExitPrice != nil {
		s := ex.ExitPrice.String()
		view.ExitPrice = &s
	}
	if ex.SlippagePct != nil {
		s := ex.SlippagePct.String()
		view.SlippagePct = &s
	}
	return view
}

// openPositionRequest is the JSON body for admitting a position.
type openPositionRequest struct {
	PositionID  string          `json:"position_id"`
	ClientID    string          `json:"client_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	InitialStop decimal.Decimal `json:"initial_stop"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// OpenPosition admits a new position into stop monitoring.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pos, err := h.positions.Open(r.Context(), service.OpenRequest{
		PositionID:  req.PositionID,
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        domain.Side(req.Side),
		EntryPrice:  req.EntryPrice,
		InitialStop: req.InitialStop,
		Quantity:    req.Quantity,
	})
	if err != nil {
		status := errStatus(err)
		if status == http.StatusInternalServerError {
			// Validation failures surface as plain errors from the service.
			status = http.StatusBadRequest
		}
		h.logger.ErrorContext(r.Context(), "handler: open position failed",
			slog.String("client_id", req.ClientID),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toPositionView(pos))
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns all positions currently under monitoring.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListActive(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}

// statusResponse is the per-position read model.
type statusResponse struct {
	Position  positionView   `json:"position"`
	LastEvent *eventView     `json:"last_event,omitempty"`
	Execution *executionView `json:"execution,omitempty"`
}

// GetStatus returns the read model for one position: current stop state plus
// the latest event and the execution projection when one exists.
// GET /api/positions/{id}/status
func (h *PositionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	positionID := pathParam(r, "id")

	view, err := h.positions.Status(r.Context(), positionID)
	if err != nil {
		writeError(w, errStatus(err), "position status unavailable")
		return
	}

	resp := statusResponse{Position: toPositionView(view.Position)}
	if view.LastEvent != nil {
		ev := toEventView(*view.LastEvent)
		resp.LastEvent = &ev
	}
	if view.Execution != nil {
		ex := toExecutionView(*view.Execution)
		resp.Execution = &ex
	}
	writeJSON(w, http.StatusOK, resp)
}

// listEventsResponse wraps a position's event history.
type listEventsResponse struct {
	Events []eventView `json:"events"`
}

// ListEvents returns a position's full event history in log order.
// GET /api/positions/{id}/events
func (h *PositionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	positionID := pathParam(r, "id")

	events, err := h.positions.Events(r.Context(), positionID)
	if err != nil {
		writeError(w, errStatus(err), "failed to list events")
		return
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, toEventView(ev))
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: views})
}

// invalidateRequest is the JSON body for manual invalidation.
type invalidateRequest struct {
	Reason string `json:"reason"`
}

// Invalidate removes a position from monitoring without executing its stop.
// Returns 409 when a trigger has already won the race for this position.
// POST /api/positions/{id}/invalidate
func (h *PositionHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	positionID := pathParam(r, "id")

	var req invalidateRequest
	if r.Body != nil {
		// Body is optional; a missing reason is recorded as "manual".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := h.positions.Invalidate(r.Context(), positionID, req.Reason); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: invalidate failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
		writeError(w, errStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"position_id": positionID,
		"status":      "invalidated",
	})
}
