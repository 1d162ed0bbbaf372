package core

// limiter.go bounds concurrent work with a semaphore. The service uses one
// limiter for websocket sessions, which are rejected immediately when full,
// and one for CSV imports, which wait up to a configured time for a slot.
// WaitForDrain lets shutdown wait for in-flight work.

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTooManySessions is returned when every session slot is taken.
	ErrTooManySessions = errors.New("too many sessions, please try again later")

	// ErrTooManyImports is returned when no import slot frees up in time.
	ErrTooManyImports = errors.New("too many imports in progress, please try again later")
)

// Limiter is a counting semaphore with monitoring.
type Limiter struct {
	semaphore chan struct{}
	maxWait   time.Duration
	errFull   error

	mu     sync.RWMutex
	active int
}

// NewLimiter returns a limiter admitting at most maxConcurrent holders.
// Acquire waits up to maxWait (unbounded by the limiter when zero) and then
// fails with errFull.
func NewLimiter(maxConcurrent int, maxWait time.Duration, errFull error) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
		errFull:   errFull,
	}
}

// Acquire takes a slot, waiting for one to free up. The caller must call
// Release once done.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.errFull
	}
}

// TryAcquire takes a slot if one is free.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.semaphore
}

// ActiveCount returns the number of held slots.
func (l *Limiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until no slot is held or ctx is done.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a point-in-time view of a limiter.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current usage.
func (l *Limiter) Status() LimiterStatus {
	active := l.ActiveCount()
	return LimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
	}
}
