// Package jobs runs background maintenance for billing records.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/pkg/logging"
)

// StaleLister finds accounts whose stored period has run out.
type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Resyncer re-pulls one account from the provider.
type Resyncer interface {
	Resync(ctx context.Context, accountID string) (*billing.Record, error)
}

// Config for the JobManager. Zero values take defaults.
type Config struct {
	Interval    time.Duration // RESYNC_INTERVAL
	Grace       time.Duration // RESYNC_GRACE
	BatchSize   int
	Concurrency int
	// Runs counts resync passes by result.
	Runs *prometheus.CounterVec
}

// JobManager handles background billing jobs
type JobManager struct {
	records  StaleLister
	resyncer Resyncer
	cfg      Config
	logger   logging.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJobManager creates a new job manager
func NewJobManager(records StaleLister, resyncer Resyncer, cfg Config, log logging.Logger) *JobManager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &JobManager{
		records:  records,
		resyncer: resyncer,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.WithFields(logging.Fields{
		"interval": jm.cfg.Interval.String(),
		"grace":    jm.cfg.Grace.String(),
	}).Info("Starting billing job manager")

	jm.wg.Add(1)
	go func() {
		defer jm.wg.Done()
		jm.runResync(ctx)
	}()
}

// Stop stops all background jobs and waits for a running pass to finish.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.logger.Info("Stopping billing job manager")
		close(jm.stopCh)
	})
	jm.wg.Wait()
}

func (jm *JobManager) runResync(ctx context.Context) {
	ticker := time.NewTicker(jm.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if _, err := jm.ResyncStale(ctx); err != nil {
				jm.logger.WithError(err).Error("Stale subscription resync failed")
			}
		}
	}
}

// ResyncStale re-pulls every live subscription whose stored period ended
// more than the grace period ago. Such records usually mean a renewal
// webhook was missed. It returns how many accounts were synced.
func (jm *JobManager) ResyncStale(ctx context.Context) (int, error) {
	cutoff := jm.now().Add(-jm.cfg.Grace)
	ids, err := jm.records.ListStale(ctx, cutoff, jm.cfg.BatchSize)
	if err != nil {
		jm.count("error")
		return 0, err
	}
	if len(ids) == 0 {
		jm.count("idle")
		return 0, nil
	}

	jm.logger.WithField("accounts", len(ids)).Info("Resyncing stale subscriptions")

	var (
		mu     sync.Mutex
		synced int
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jm.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			_, err := jm.resyncer.Resync(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log := jm.logger.WithError(err).WithField("account_id", id)
				if errors.Is(err, billing.ErrNotFound) {
					log.Info("Stale subscription no longer resolvable")
				} else {
					log.Warn("Failed to resync stale subscription")
				}
				return nil
			}
			synced++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		jm.count("error")
		return synced, err
	}

	jm.logger.WithFields(logging.Fields{
		"synced": synced,
		"failed": failed,
	}).Info("Stale subscription resync complete")

	if failed > 0 {
		jm.count("partial")
	} else {
		jm.count("ok")
	}
	return synced, nil
}

func (jm *JobManager) count(result string) {
	if jm.cfg.Runs != nil {
		jm.cfg.Runs.WithLabelValues(result).Inc()
	}
}
