// Package sweeper deletes published archives past their retention
// window. The merge and failure paths clean up after themselves; the
// sweeper is the backstop behind them for artifacts that outlived an
// interrupted run.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

const (
	defaultInterval  = 30 * time.Minute
	defaultRetention = 2 * time.Hour
)

// Sweeper scans the archive prefix on a schedule and deletes objects
// older than the retention window, regardless of what the state store
// says about them. It never reads the staging prefix: staging data is
// owned by its run and cleaned by the merge or the failure handler.
type Sweeper struct {
	store     storage.ObjectStore
	interval  time.Duration
	retention time.Duration
	pageSize  int
	log       *slog.Logger
	now       func() time.Time
}

// New creates a sweeper. pageSize bounds the archive listing pages.
func New(cfg config.SweeperConfig, store storage.ObjectStore, pageSize int) *Sweeper {
	interval := cfg.Interval.Std()
	if interval <= 0 {
		interval = defaultInterval
	}
	retention := cfg.Retention.Std()
	if retention <= 0 {
		retention = defaultRetention
	}
	if pageSize < 1 {
		pageSize = 1000
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		pageSize:  pageSize,
		log:       logging.Component("sweeper"),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweeper started",
		"interval", s.interval.String(),
		"retention", s.retention.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep makes one pass over the archive prefix and returns how many
// expired archives it deleted.
//
// The whole prefix is listed before anything is deleted, so the
// pagination token never walks a prefix that is changing under it.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if m := metrics.Get(); m != nil {
		m.IncSweeperRuns()
	}

	cutoff := s.now().Add(-s.retention)

	var expired []string
	scanned := 0
	token := ""
	for {
		page, next, err := s.store.List(ctx, archive.ArchiveRoot, token, s.pageSize)
		if err != nil {
			return 0, fmt.Errorf("list archives: %w", err)
		}
		for _, obj := range page {
			scanned++
			if obj.ModTime.Before(cutoff) {
				expired = append(expired, obj.Key)
			}
		}
		if next == "" {
			break
		}
		token = next
	}

	if len(expired) == 0 {
		s.log.Debug("sweep found nothing to delete", "scanned", scanned)
		return 0, nil
	}

	if err := s.store.BatchDelete(ctx, expired); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(metrics.Labels{Operation: "sweep_delete"})
		}
		return 0, fmt.Errorf("delete %d expired archives: %w", len(expired), err)
	}

	if m := metrics.Get(); m != nil {
		m.AddSweeperDeletes(float64(len(expired)))
	}
	s.log.Info("sweep completed",
		"scanned", scanned,
		"deleted", len(expired),
		"cutoff", cutoff.Format(time.RFC3339))
	return len(expired), nil
}
