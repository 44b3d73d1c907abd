package domain

import (
	"encoding/json"
	"time"
)

// OutboxMessage is one transactional-outbox row. It is inserted in the same
// atomic write as the StopEvent it describes and delivered downstream by the
// publisher with at-least-once semantics; consumers dedupe on EventID.
type OutboxMessage struct {
	OutboxID    string
	EventID     string
	RoutingKey  string
	Payload     json.RawMessage
	Published   bool
	PublishedAt *time.Time
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
}

// Stuck reports whether an unpublished row has exceeded the alerting
// threshold. Stuck rows are flagged to operators but never dropped.
func (m OutboxMessage) Stuck(now time.Time, threshold time.Duration) bool {
	return !m.Published && now.Sub(m.CreatedAt) >= threshold
}

// OutboxStats summarizes publisher progress for the read model.
type OutboxStats struct {
	Unpublished int64
	Published   int64
	OldestAge   time.Duration
}
