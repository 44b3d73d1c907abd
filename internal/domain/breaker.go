package domain

import "time"

// BreakerState enumerates the circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerStatus is the durable circuit breaker record for one
// (client, symbol) pair. Rows are created lazily on the first execution
// attempt and retained forever for audit.
//
// Generation is a fencing counter bumped on every write; stores use it to
// implement compare-and-set so that concurrent failures from both trigger
// sources cannot lose updates.
//
// CooldownUntil is state-dependent: while OPEN it is the end of the cooldown
// window, while HALF_OPEN it is the in-flight trial's deadline.
type BreakerStatus struct {
	ClientID            string
	Symbol              string
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            *time.Time
	CooldownUntil       *time.Time
	Cooldown            time.Duration
	Generation          int64
	UpdatedAt           time.Time
}

// AttemptAllowed reports whether an execution attempt may call the adapter at
// the given instant. While OPEN the breaker short-circuits until the cooldown
// elapses; the first attempt after that is the HALF_OPEN trial.
func (b BreakerStatus) AttemptAllowed(now time.Time) bool {
	switch b.State {
	case BreakerOpen:
		return b.CooldownUntil != nil && !now.Before(*b.CooldownUntil)
	default:
		return true
	}
}
