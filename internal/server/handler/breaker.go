package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// BreakerService defines the methods the breaker handler requires.
type BreakerService interface {
	List(ctx context.Context) ([]domain.BreakerStatus, error)
}

// BreakerHandler exposes per-(tenant, symbol) circuit breaker state.
type BreakerHandler struct {
	breakers BreakerService
	logger   *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler with the given service and logger.
func NewBreakerHandler(breakers BreakerService, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{
		breakers: breakers,
		logger:   logger,
	}
}

// breakerView is the JSON shape of one breaker row.
type breakerView struct {
	ClientID            string     `json:"client_id"`
	Symbol              string     `json:"symbol"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	CooldownSeconds     int64      `json:"cooldown_seconds"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// listBreakersResponse wraps the list breakers response.
type listBreakersResponse struct {
	Breakers []breakerView `json:"breakers"`
}

// ListBreakers returns all breaker rows across tenants.
// GET /api/breakers
func (h *BreakerHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.breakers.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list breakers failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list breakers")
		return
	}

	views := make([]breakerView, 0, len(rows))
	for _, b := range rows {
		views = append(views, breakerView{
			ClientID:            b.ClientID,
			Symbol:              b.Symbol,
			State:               string(b.State),
			ConsecutiveFailures: b.ConsecutiveFailures,
			OpenedAt:            b.OpenedAt,
			CooldownUntil:       b.CooldownUntil,
			CooldownSeconds:     int64(b.Cooldown / time.Second),
			UpdatedAt:           b.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, listBreakersResponse{Breakers: views})
}
