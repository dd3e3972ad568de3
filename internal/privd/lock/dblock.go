package lock

import (
	"context"
	"time"

	"privd/internal/privd/metrics"
	"privd/pkg/logger"
)

const DefaultDBTimeout = 30 * time.Second

type heldKey struct {
	lock *DBLock
}

// DBLock serializes access to a shared resource that only tolerates one
// writer at a time. It is re-entrant through the context: a Guard nested
// inside another Guard of the same lock, called with the context the outer
// Guard passed to its function, runs without re-acquiring.
//
// Acquisition is bounded. When the timeout expires the guarded function
// still runs, unsynchronized, and the event is logged and counted.
type DBLock struct {
	name    string
	timeout time.Duration
	sem     chan struct{}
	logger  *logger.Logger
}

func NewDBLock(name string, timeout time.Duration) *DBLock {
	if timeout <= 0 {
		timeout = DefaultDBTimeout
	}
	return &DBLock{
		name:    name,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
		logger:  logger.WithFields("component", "lock", "lock", name),
	}
}

// Held reports whether ctx was handed out by a Guard that holds l.
func (l *DBLock) Held(ctx context.Context) bool {
	held, _ := ctx.Value(heldKey{l}).(bool)
	return held
}

// Guard runs fn with the lock held. It returns ctx.Err() without calling fn
// only if ctx ends while waiting.
func (l *DBLock) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.Held(ctx) {
		return fn(ctx)
	}

	start := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	acquired := false
	select {
	case l.sem <- struct{}{}:
		acquired = true
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.LockWait.WithLabelValues(l.name).Observe(time.Since(start).Seconds())

	if !acquired {
		metrics.LockDegraded.WithLabelValues(l.name).Inc()
		l.logger.Warn("lock acquisition degraded, continuing unsynchronized", "timeout", l.timeout)
		return fn(ctx)
	}
	defer func() { <-l.sem }()

	return fn(context.WithValue(ctx, heldKey{l}, true))
}
