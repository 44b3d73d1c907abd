package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avdcosta/stopguard/internal/domain"
)

// eventEnvelope is the wire shape of outbox payloads consumed downstream
// (position manager, journaling, analytics). Consumers dedupe on event_id.
type eventEnvelope struct {
	EventID      string         `json:"event_id"`
	PositionID   string         `json:"position_id"`
	ClientID     string         `json:"client_id"`
	Symbol       string         `json:"symbol"`
	Type         string         `json:"type"`
	Source       string         `json:"source"`
	OccurredAt   time.Time      `json:"occurred_at"`
	TriggerPrice string         `json:"trigger_price"`
	StopPrice    string         `json:"stop_price"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// NewOutboxMessage builds the outbox row for a lifecycle event.
func NewOutboxMessage(ev domain.StopEvent, routingKey string) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(eventEnvelope{
		EventID:      ev.EventID,
		PositionID:   ev.PositionID,
		ClientID:     ev.ClientID,
		Symbol:       ev.Symbol,
		Type:         string(ev.Type),
		Source:       string(ev.Source),
		OccurredAt:   ev.OccurredAt,
		TriggerPrice: ev.TriggerPrice.String(),
		StopPrice:    ev.StopPrice.String(),
		Detail:       ev.Payload,
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal outbox payload for %s: %w", ev.EventID, err)
	}
	return domain.OutboxMessage{
		OutboxID:   uuid.NewString(),
		EventID:    ev.EventID,
		RoutingKey: routingKey,
		Payload:    payload,
	}, nil
}
