// Package recorder persists share statistics asynchronously. A single
// consumer loop batches events by time and count, then pushes each batch
// through a layered fault policy: retry with backoff, a circuit breaker,
// and an on-disk fallback file that a manual replay imports later.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/pkg/circuit"
	"github.com/itrailmpool/miningcore/pkg/errors"
	"github.com/itrailmpool/miningcore/pkg/log"
	"github.com/itrailmpool/miningcore/pkg/retry"
)

// Persister is the persist core: one transactional batch insert with no
// fault policy of its own.
type Persister interface {
	PersistShareStatistics(ctx context.Context, records []*events.ShareStatistic) error
}

// Notifier delivers operator notifications.
type Notifier interface {
	NotifyAdmin(ctx context.Context, subject, body string) error
}

// Config holds recorder settings.
type Config struct {
	// Window is the batch flush interval.
	Window time.Duration
	// MaxCount flushes a batch early when reached.
	MaxCount int
	// RecoveryFile receives batches the database would not take.
	RecoveryFile string
	// AdminNotifications gates the one-shot fallback notification.
	AdminNotifications bool
	// DrainTimeout bounds the final flush at shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns the reference settings: 5s windows of at most 1000
// records, retried 3 times at 2s/4s/8s, circuit open for a minute after 2
// consecutive failures.
func DefaultConfig(recoveryFile string, adminNotifications bool) Config {
	return Config{
		Window:             5 * time.Second,
		MaxCount:           1000,
		RecoveryFile:       recoveryFile,
		AdminNotifications: adminNotifications,
		DrainTimeout:       30 * time.Second,
	}
}

// Recorder consumes the statistic bus and persists batches. Batches are
// serialized: the consumer loop fully resolves one batch (success, fallback
// or drop) before starting the next.
type Recorder struct {
	cfg       Config
	bus       <-chan events.ShareStatistic
	persister Persister
	notifier  Notifier
	recovery  *RecoveryWriter
	logger    *log.Logger

	breaker     *circuit.Breaker
	retryConfig *retry.Config

	notifyOnce sync.Once
	fatalOnce  sync.Once
}

// New creates a recorder. notifier may be nil when admin notifications are
// disabled.
func New(cfg Config, bus <-chan events.ShareStatistic, persister Persister, notifier Notifier, logger *log.Logger) *Recorder {
	return &Recorder{
		cfg:       cfg,
		bus:       bus,
		persister: persister,
		notifier:  notifier,
		recovery:  NewRecoveryWriter(cfg.RecoveryFile),
		logger:    logger.WithComponent("recorder"),
		breaker: circuit.New(&circuit.Config{
			MaxFailures:  2,
			OpenDuration: time.Minute,
		}),
		retryConfig: retry.PersistenceConfig(),
	}
}

// Run consumes the bus until the context ends, then drains the current
// window and flushes it before returning.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Window)
	defer ticker.Stop()

	buf := make([]*events.ShareStatistic, 0, r.cfg.MaxCount)

	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}
		batch := buf
		buf = make([]*events.ShareStatistic, 0, r.cfg.MaxCount)
		r.persistBatch(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case stat, ok := <-r.bus:
					if !ok {
						drained = true
						break
					}
					s := stat
					buf = append(buf, &s)
				default:
					drained = true
				}
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
			flush(drainCtx)
			cancel()
			r.logger.Info("recorder stopped")
			return

		case stat, ok := <-r.bus:
			if !ok {
				drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
				flush(drainCtx)
				cancel()
				return
			}
			s := stat
			buf = append(buf, &s)
			if len(buf) >= r.cfg.MaxCount {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// persistBatch pushes one batch through the layered fault policy.
func (r *Recorder) persistBatch(ctx context.Context, batch []*events.ShareStatistic) {
	start := time.Now()

	err := r.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryConfig, func() error {
			return r.persister.PersistShareStatistics(ctx, batch)
		})
	})
	if err == nil {
		r.logger.Debug("persisted share batch", "count", len(batch), "elapsed", time.Since(start).String())
		return
	}

	switch {
	case circuit.IsOpen(err):
		// Fail fast while the circuit is open; no retry storm.
		r.logger.Warn("persistence circuit open, diverting batch to recovery file", "count", len(batch))
		r.fallback(batch)
	case errors.IsRetryable(err):
		r.logger.WithError(err).Error("share persistence failed after retries", "count", len(batch))
		r.fallback(batch)
	default:
		r.logger.WithError(err).Error("unexpected persistence failure, dropping batch", "count", len(batch))
	}
}

// fallback appends the batch to the recovery file. The first successful
// fallback raises a one-shot admin notification; a failing fallback is
// logged fatally once and batches are dropped silently thereafter.
func (r *Recorder) fallback(batch []*events.ShareStatistic) {
	if err := r.recovery.Append(batch); err != nil {
		r.fatalOnce.Do(func() {
			r.logger.WithError(err).Error("FATAL: recovery fallback failed, share statistics are being lost",
				"file", r.cfg.RecoveryFile)
		})
		return
	}

	r.logger.Warn("share batch written to recovery file", "count", len(batch), "file", r.cfg.RecoveryFile)

	if r.cfg.AdminNotifications && r.notifier != nil {
		r.notifyOnce.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.notifier.NotifyAdmin(ctx, "Share persistence degraded",
				"Share statistics are being diverted to the recovery file "+r.cfg.RecoveryFile); err != nil {
				r.logger.WithError(err).Error("admin notification failed")
			}
		})
	}
}
