package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionGetter is the single gateway call the poller needs.
type SessionGetter interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

// Poller checks a checkout session for terminal status with a fixed interval
// and a bounded attempt budget. Polls never overlap: the next check starts
// only after the previous one returned and the wait elapsed, which bounds
// gateway load and gives a worst case of MaxAttempts * Interval wall clock.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

func NewPoller(interval time.Duration, maxAttempts int, logger *slog.Logger) Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Poller{Interval: interval, MaxAttempts: maxAttempts, Logger: logger}
}

// Await polls until the session reaches a terminal status. The first check is
// immediate. Exhausting the budget, or a gateway-side expiry, yields
// ErrPaymentTimeout; cancelling ctx aborts between polls.
func (p Poller) Await(ctx context.Context, sessions SessionGetter, sessionID string) (Session, error) {
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Session{}, ctx.Err()
			case <-timer.C:
			}
		}

		p.Logger.Info("checking payment status", "session_id", sessionID, "attempt", attempt, "max_attempts", p.MaxAttempts)

		session, err := sessions.GetSession(ctx, sessionID)
		if err != nil {
			return Session{}, fmt.Errorf("poll session %s: %w", sessionID, err)
		}

		switch session.Status {
		case StatusPaid:
			p.Logger.Info("payment confirmed", "session_id", sessionID, "attempt", attempt)
			return session, nil
		case StatusExpired:
			return session, fmt.Errorf("%w: session %s expired at the gateway", ErrPaymentTimeout, sessionID)
		}
	}

	return Session{}, fmt.Errorf("%w: session %s still pending after %d attempts", ErrPaymentTimeout, sessionID, p.MaxAttempts)
}
