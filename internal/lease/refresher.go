package lease

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AutoRefresher is the background task that keeps a held lease's TTL alive
// at an interval of TTL/2 (spec.md §4.2 "Auto-refresher"). It is owned by
// the worker process, not by any single task, and refreshes whichever
// session is currently assigned to it.
type AutoRefresher struct {
	manager *Manager
	ttl     time.Duration
	log     *zap.Logger

	mu        chan struct{}
	sessionID int64
	active    bool
}

// NewAutoRefresher builds a refresher for the given TTL.
func NewAutoRefresher(manager *Manager, ttl time.Duration, log *zap.Logger) *AutoRefresher {
	return &AutoRefresher{
		manager: manager,
		ttl:     ttl,
		log:     log.Named("lease-refresher"),
		mu:      make(chan struct{}, 1),
	}
}

// Watch marks sessionID as the one to keep refreshing until Unwatch is
// called or the session changes.
func (r *AutoRefresher) Watch(sessionID int64) {
	r.mu <- struct{}{}
	r.sessionID = sessionID
	r.active = true
	<-r.mu
}

// Unwatch stops refreshing.
func (r *AutoRefresher) Unwatch() {
	r.mu <- struct{}{}
	r.active = false
	<-r.mu
}

// Run loops until ctx is canceled, refreshing the currently watched
// session every TTL/2. Missing a refresh (e.g. worker pause) risks lease
// expiry; the next Refresh then finds the key gone (not-found) and marks
// the session free locally, or, if another worker has re-created it, hits
// a sequence mismatch and reloads. Neither case interrupts or nacks the
// task still running on that session.
func (r *AutoRefresher) Run(ctx context.Context) {
	interval := r.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu <- struct{}{}
			active, id := r.active, r.sessionID
			<-r.mu
			if !active {
				continue
			}
			if err := r.manager.Refresh(ctx, id); err != nil {
				r.log.Warn("auto-refresh failed", zap.Int64("session_id", id), zap.Error(err))
			}
		}
	}
}
