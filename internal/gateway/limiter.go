package gateway

import (
	"context"
	"log"
	"time"

	"github.com/teamhub/realtime-gateway/internal/store"
)

// Limiter enforces a sliding-window limit per (operation, subject). Counters
// live in the shared store, so the limit holds no matter which instance
// serves a request.
type Limiter struct {
	store  store.Store
	limit  int
	window time.Duration
	log    *log.Logger
}

func NewLimiter(s store.Store, limit int, window time.Duration, logger *log.Logger) *Limiter {
	return &Limiter{
		store:  s,
		limit:  limit,
		window: window,
		log:    logger,
	}
}

// Allow reports whether the subject may perform the operation now, with a
// retry-after hint when denied. A store failure denies: the limiter fails
// closed rather than letting an outage disable limits.
func (l *Limiter) Allow(ctx context.Context, op, subject string) (bool, time.Duration) {
	allowed, retryAfter, err := l.store.AllowRate(ctx, op+":"+subject, l.limit, l.window)
	if err != nil {
		l.log.Printf("rate limit check failed for %s:%s, denying: %v", op, subject, err)
		return false, l.window
	}

	return allowed, retryAfter
}
