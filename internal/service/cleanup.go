package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SessionSweeper periodically expires idle sessions and removes staged
// uploads that no live session owns (left behind by a crash, for example).
type SessionSweeper struct {
	sessions *SessionService
	interval time.Duration
}

func NewSessionSweeper(sessions *SessionService) *SessionSweeper {
	interval := sessions.config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SessionSweeper{
		sessions: sessions,
		interval: interval,
	}
}

// Start blocks until ctx is cancelled.
func (sw *SessionSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	slog.Info("sweeper: started", "dir", sw.sessions.tmpDir, "interval", sw.interval, "ttl", sw.sessions.config.TTL)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper: stopped", "dir", sw.sessions.tmpDir)
			return
		case <-ticker.C:
			sw.RunOnce()
		}
	}
}

// RunOnce performs a single sweep.
func (sw *SessionSweeper) RunOnce() {
	now := sw.sessions.now()
	sw.sessions.Sweep(now)
	sw.cleanupOrphans(now)
}

func (sw *SessionSweeper) cleanupOrphans(now time.Time) {
	cutoffTime := now.Add(-sw.sessions.config.TTL)
	deletedCount := 0

	files, err := filepath.Glob(filepath.Join(sw.sessions.tmpDir, "stream_*"))
	if err != nil {
		slog.Error("sweeper: failed to read staging directory", "error", err)
		return
	}

	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || info.IsDir() {
			continue
		}
		if !info.ModTime().Before(cutoffTime) || sw.sessions.Owns(file) {
			continue
		}

		if err := os.Remove(file); err != nil {
			slog.Warn("sweeper: failed to delete orphaned upload", "path", file, "error", err)
		} else {
			deletedCount++
		}
	}

	if deletedCount > 0 {
		slog.Info("sweeper: removed orphaned uploads", "count", deletedCount, "dir", sw.sessions.tmpDir)
	}
}
