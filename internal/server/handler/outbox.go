package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// OutboxSource defines the read queries the outbox handler requires.
type OutboxSource interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxHandler exposes the delivery backlog for monitoring.
type OutboxHandler struct {
	outbox OutboxSource
	logger *slog.Logger
}

// NewOutboxHandler creates an OutboxHandler with the given source and logger.
func NewOutboxHandler(outbox OutboxSource, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{
		outbox: outbox,
		logger: logger,
	}
}

// GetStats reports outbox backlog counts and the age of the oldest
// undelivered row.
// GET /api/outbox/stats
func (h *OutboxHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: outbox stats failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read outbox stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unpublished":        stats.Unpublished,
		"published":          stats.Published,
		"oldest_age_seconds": int64(stats.OldestAge / time.Second),
	})
}
