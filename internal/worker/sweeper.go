package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type SweeperConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// StaleAfter is how long a notification may sit released before it is
	// assumed abandoned by a crashed dispatcher.
	StaleAfter time.Duration
	// Workers bounds concurrent deliveries in the release stage.
	Workers int
}

type Scheduler interface {
	ReleaseDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
	RunDueDigests(ctx context.Context, now time.Time) (int, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, n *model.Notification) error
}

type Flusher interface {
	FlushDue(ctx context.Context, now time.Time) (int, error)
}

// Sweeper drives everything that happens because time passed: releasing
// scheduled notifications, flushing expired batch windows, running due
// digests and recovering abandoned claims.
type Sweeper struct {
	scheduler Scheduler
	deliverer Deliverer
	flusher   Flusher
	config    SweeperConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewSweeper(
	scheduler Scheduler,
	deliverer Deliverer,
	flusher Flusher,
	config SweeperConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Sweeper {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.StaleAfter <= 0 {
		panic("StaleAfter must be greater than 0")
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	return &Sweeper{
		scheduler: scheduler,
		deliverer: deliverer,
		flusher:   flusher,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Starting sweeper", "interval", s.config.PollInterval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down sweeper")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error(err, "Sweep finished with errors")
			}
		}
	}
}

// Sweep runs one pass of every stage. A failing stage does not stop the
// others.
func (s *Sweeper) Sweep(ctx context.Context) error {
	return errors.Join(
		s.stage(ctx, "release", s.release),
		s.stage(ctx, "batches", s.flushBatches),
		s.stage(ctx, "digests", s.runDigests),
		s.stage(ctx, "stale", s.requeueStale),
	)
}

func (s *Sweeper) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	timer := prometheus.NewTimer(s.metrics.SweepLatency.WithLabelValues(name))
	defer timer.ObserveDuration()

	if err := fn(ctx); err != nil {
		s.metrics.SweepFailures.WithLabelValues(name).Inc()
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// release drains every due notification, one batch at a time, delivering up
// to Workers notifications concurrently. It returns once every delivery it
// started has finished.
func (s *Sweeper) release(ctx context.Context) error {
	sem := make(chan struct{}, s.config.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		now := s.now()
		due, err := s.scheduler.ReleaseDue(ctx, now, s.config.BatchSize)
		if err != nil {
			return err
		}
		for _, n := range due {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Claimed but unsent notifications are picked up by the stale stage.
				return ctx.Err()
			}
			wg.Add(1)
			go func(n *model.Notification) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := s.deliverer.Deliver(ctx, n); err != nil {
					s.logger.Error(err, "Failed to deliver notification",
						"notification_id", n.ID,
						"user_id", n.UserID)
				}
			}(n)
		}
		if len(due) < s.config.BatchSize || ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Sweeper) flushBatches(ctx context.Context) error {
	n, err := s.flusher.FlushDue(ctx, s.now())
	if n > 0 {
		s.logger.Debug("Flushed batch windows", "count", n)
	}
	return err
}

func (s *Sweeper) runDigests(ctx context.Context) error {
	n, err := s.scheduler.RunDueDigests(ctx, s.now())
	if n > 0 {
		s.logger.Info("Created digests", "count", n)
	}
	return err
}

func (s *Sweeper) requeueStale(ctx context.Context) error {
	_, err := s.scheduler.RequeueStale(ctx, s.config.StaleAfter)
	return err
}
