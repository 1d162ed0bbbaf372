package core

// eviction.go unloads documents nobody is editing.
//
// A document is evicted once it has been idle for Document.IdleTimeout and
// has no broadcast subscribers. Its backend keeps the log, so the next
// access restores it. The loop is long-running and stops when the context
// is cancelled.

import (
	"context"
	"log/slog"
	"time"
)

// StartEviction runs the eviction loop every Document.CheckInterval until
// ctx is done.
func (s *Service) StartEviction(ctx context.Context) {
	cfg := s.cfg.Document
	if cfg.IdleTimeout <= 0 || cfg.CheckInterval <= 0 {
		slog.Info("document eviction disabled")
		return
	}

	slog.Info("document eviction started",
		"idle_timeout", cfg.IdleTimeout,
		"check_interval", cfg.CheckInterval,
	)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("document eviction stopped")
			return
		case now := <-ticker.C:
			s.evictIdle(now)
		}
	}
}

// evictIdle unloads every document idle since before now minus the idle
// timeout and returns how many were unloaded.
func (s *Service) evictIdle(now time.Time) int {
	cutoff := now.Add(-s.cfg.Document.IdleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, doc := range s.docs {
		if doc.idleSince().After(cutoff) || s.broadcaster.Subscribers(id) > 0 {
			continue
		}
		// Skip documents with a submission in flight.
		if !doc.mu.TryLock() {
			continue
		}
		delete(s.docs, id)
		doc.mu.Unlock()
		evicted++
	}

	if evicted > 0 {
		slog.Info("idle documents evicted", "evicted", evicted, "loaded", len(s.docs))
	}
	return evicted
}
