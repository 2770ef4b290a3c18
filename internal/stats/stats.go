// Package stats maintains the cached global counters shown on the stats
// endpoint. A cron refresh keeps the snapshot warm so reads never scan the
// whole jobs table.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"printlegion/internal/domain"
	"printlegion/internal/metrics"
	"printlegion/internal/store"
)

type Aggregator struct {
	Store    store.Store
	Interval time.Duration
	Now      func() time.Time

	cron *cron.Cron
	mu   sync.Mutex
}

func New(s store.Store, interval time.Duration) *Aggregator {
	return &Aggregator{Store: s, Interval: interval, Now: time.Now}
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Refresh rebuilds the snapshot from scratch. Only one refresh runs at a
// time; concurrent callers wait.
func (a *Aggregator) Refresh(ctx context.Context) (domain.StatsSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	if err := a.Store.SetStatsCalculating(ctx, true); err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("mark calculating: %w", err)
	}
	users, printers, jobs, filament, err := a.Store.Totals(ctx)
	if err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("stats totals: %w", err)
	}
	byStatus, err := a.Store.CountJobsByStatus(ctx)
	if err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("stats by status: %w", err)
	}
	snap := domain.StatsSnapshot{
		LastUpdated:       a.now().UTC().Format(time.RFC3339),
		TotalUsers:        users,
		TotalPrinters:     printers,
		TotalJobs:         jobs,
		TotalFilamentUsed: filament,
		JobsByStatus:      byStatus,
	}
	if err := a.Store.SaveStatsSnapshot(ctx, snap); err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	metrics.StatsRefreshDuration.Observe(time.Since(start).Seconds())
	return snap, nil
}

// Snapshot returns the cached snapshot. A missing snapshot is built
// synchronously; a stale one is returned as-is with Calculating set while a
// background refresh runs.
func (a *Aggregator) Snapshot(ctx context.Context) (domain.StatsSnapshot, error) {
	snap, err := a.Store.GetStatsSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return a.Refresh(ctx)
	}
	if err != nil {
		return domain.StatsSnapshot{}, err
	}
	updated, err := time.Parse(time.RFC3339, snap.LastUpdated)
	if err != nil || a.now().Sub(updated) > a.Interval {
		snap.Calculating = true
		go func() {
			if _, err := a.Refresh(context.Background()); err != nil {
				log.Printf("[stats] background refresh: %v", err)
			}
		}()
	}
	return snap, nil
}

// Start schedules periodic refreshes and runs one immediately so the first
// read is warm.
func (a *Aggregator) Start(ctx context.Context) error {
	a.cron = cron.New()
	spec := fmt.Sprintf("@every %s", a.Interval)
	if _, err := a.cron.AddFunc(spec, func() {
		if _, err := a.Refresh(ctx); err != nil {
			log.Printf("[stats] scheduled refresh: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	a.cron.Start()
	go func() {
		if _, err := a.Refresh(ctx); err != nil {
			log.Printf("[stats] initial refresh: %v", err)
		}
	}()
	return nil
}

// Stop halts the scheduler.
func (a *Aggregator) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
}
