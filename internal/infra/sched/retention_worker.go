package sched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain/ports/repository"
)

// RetentionWorker drops completed jobs past their retention window together with any
// artifact that was never retrieved. With a scratch dir set it also clears stale files
// no job points at anymore.
type RetentionWorker struct {
	jobs       repository.JobStore
	retention  time.Duration
	scratchDir string
	now        func() time.Time
	log        *zerolog.Logger
}

func NewRetentionWorker(jobs repository.JobStore, retention time.Duration, scratchDir string, logger *zerolog.Logger) *RetentionWorker {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	l := logger.With().Str("component", "RetentionWorker").Logger()
	return &RetentionWorker{jobs: jobs, retention: retention, scratchDir: scratchDir, now: time.Now, log: &l}
}

func (w *RetentionWorker) Name() string { return "retention_sweep" }

func (w *RetentionWorker) RunOnce(ctx context.Context) error {
	cutoff := w.now().Add(-w.retention)
	paths, err := w.jobs.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge completed jobs: %w", err)
	}
	removed := 0
	for _, p := range paths {
		if w.remove(p) {
			removed++
		}
	}
	if len(paths) > 0 {
		w.log.Info().Int("jobs", len(paths)).Int("files", removed).Msg("expired completed jobs purged")
	}

	if w.scratchDir != "" {
		if err := w.sweepScratch(ctx, cutoff); err != nil {
			return fmt.Errorf("sweep scratch dir: %w", err)
		}
	}
	return nil
}

// sweepScratch removes files older than cutoff unless a completed job still owns them.
// The file's mtime says nothing about when the job finished.
func (w *RetentionWorker) sweepScratch(ctx context.Context, cutoff time.Time) error {
	live, err := w.jobs.ArtifactPaths(ctx)
	if err != nil {
		return err
	}
	owned := make(map[string]bool, len(live))
	for _, p := range live {
		owned[absPath(p)] = true
	}

	entries, err := os.ReadDir(w.scratchDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn().Err(err).Str("dir", w.scratchDir).Msg("cannot list scratch dir")
		}
		return nil
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(w.scratchDir, e.Name())
		if owned[absPath(path)] {
			continue
		}
		if w.remove(path) {
			n++
		}
	}
	if n > 0 {
		w.log.Info().Int("files", n).Msg("stale scratch files removed")
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (w *RetentionWorker) remove(path string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn().Err(err).Str("path", path).Msg("could not remove artifact")
		}
		return false
	}
	return true
}
