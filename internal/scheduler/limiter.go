package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// checkLimiter bounds concurrent checks globally and serializes checks of
// the same monitor.
type checkLimiter struct {
	global *semaphore.Weighted

	mu       sync.Mutex
	monitors map[string]*monitorLock
}

type monitorLock struct {
	lock    *semaphore.Weighted
	holders int
}

func newCheckLimiter(maxConcurrent int) *checkLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &checkLimiter{
		global:   semaphore.NewWeighted(int64(maxConcurrent)),
		monitors: make(map[string]*monitorLock),
	}
}

// Acquire blocks until the monitor is free and a global slot is available.
func (l *checkLimiter) Acquire(ctx context.Context, monitorID string) error {
	l.mu.Lock()
	entry, ok := l.monitors[monitorID]
	if !ok {
		entry = &monitorLock{lock: semaphore.NewWeighted(1)}
		l.monitors[monitorID] = entry
	}
	entry.holders++
	l.mu.Unlock()

	if err := entry.lock.Acquire(ctx, 1); err != nil {
		l.forget(monitorID, entry)
		return err
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		entry.lock.Release(1)
		l.forget(monitorID, entry)
		return err
	}
	return nil
}

// Release frees the slots taken by Acquire.
func (l *checkLimiter) Release(monitorID string) {
	l.global.Release(1)

	l.mu.Lock()
	entry, ok := l.monitors[monitorID]
	l.mu.Unlock()
	if !ok {
		return
	}
	entry.lock.Release(1)
	l.forget(monitorID, entry)
}

func (l *checkLimiter) forget(monitorID string, entry *monitorLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.holders--
	if entry.holders <= 0 {
		delete(l.monitors, monitorID)
	}
}
