package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

// Recorder is the fire-and-forget side used by the delivery path.
type Recorder interface {
	Record(ev model.DeliveryEvent)
}

type Query struct {
	TemplateID string
	TestID     string
	From       time.Time
	To         time.Time
	// Bucket of zero aggregates the whole range into one row per variant.
	Bucket time.Duration
}

type Service interface {
	Recorder
	Start(ctx context.Context)
	Drain(ctx context.Context) error
	Close(ctx context.Context) error
	Aggregate(ctx context.Context, q Query) ([]model.VariantMetrics, error)
	CompareVariants(ctx context.Context, testID string) ([]model.VariantMetrics, error)
}

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

type service struct {
	repo      repository.AnalyticsRepository
	tests     repository.ABTestRepository
	templates repository.TemplateRepository
	config    Config
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	queue  chan model.DeliveryEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(
	repo repository.AnalyticsRepository,
	tests repository.ABTestRepository,
	templates repository.TemplateRepository,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &service{
		repo:      repo,
		tests:     tests,
		templates: templates,
		config:    cfg,
		logger:    log,
		metrics:   m,
		now:       time.Now,
		queue:     make(chan model.DeliveryEvent, cfg.QueueSize),
	}
}

// Record never blocks. Events are dropped when the buffer is full.
func (s *service) Record(ev model.DeliveryEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	select {
	case s.queue <- ev:
	default:
		s.metrics.AnalyticsDropped.Inc()
		s.logger.Warn("analytics buffer full, dropping event",
			"notification_id", ev.NotificationID,
			"kind", string(ev.Kind))
	}
}

// Start runs the batching loop until Close.
func (s *service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		batch := make([]model.DeliveryEvent, 0, s.config.BatchSize)
		t := time.NewTimer(s.config.FlushInterval)
		defer t.Stop()

		resetTimer := func() {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(s.config.FlushInterval)
		}

		flush := func(ctx context.Context) {
			if len(batch) > 0 {
				s.write(ctx, batch)
				batch = batch[:0]
			}
			resetTimer()
		}

		for {
			select {
			case <-ctx.Done():
				flush(context.Background())
				return
			case ev := <-s.queue:
				batch = append(batch, ev)
				if len(batch) >= s.config.BatchSize {
					flush(ctx)
				}
			case <-t.C:
				flush(ctx)
			}
		}
	}()
}

func (s *service) write(ctx context.Context, batch []model.DeliveryEvent) {
	if err := s.repo.Append(ctx, batch); err != nil {
		s.logger.Error(err, "analytics batch insert failed", "dropped", len(batch))
		return
	}
	s.metrics.AnalyticsFlushed.Add(float64(len(batch)))
}

// Drain writes everything currently queued.
func (s *service) Drain(ctx context.Context) error {
	batch := make([]model.DeliveryEvent, 0, s.config.BatchSize)
	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) < s.config.BatchSize {
				continue
			}
		default:
		}
		if len(batch) == 0 {
			return nil
		}
		if err := s.repo.Append(ctx, batch); err != nil {
			return fmt.Errorf("failed to write analytics batch: %w", err)
		}
		s.metrics.AnalyticsFlushed.Add(float64(len(batch)))
		batch = batch[:0]
	}
}

func (s *service) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	return s.Drain(ctx)
}

type bucketKey struct {
	variant string
	start   time.Time
}

type accumulator struct {
	model.VariantMetrics
	delivered map[string]struct{}
}

func (s *service) Aggregate(ctx context.Context, q Query) ([]model.VariantMetrics, error) {
	if q.TemplateID == "" && q.TestID == "" {
		return nil, fmt.Errorf("template_id or test_id is required")
	}
	events, err := s.repo.Query(ctx, model.DeliveryEventQuery{
		TemplateID: q.TemplateID,
		TestID:     q.TestID,
		From:       q.From,
		To:         q.To,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery events: %w", err)
	}
	return aggregate(events, q.Bucket), nil
}

func aggregate(events []model.DeliveryEvent, bucket time.Duration) []model.VariantMetrics {
	acc := map[bucketKey]*accumulator{}
	for _, ev := range events {
		k := bucketKey{variant: ev.VariantID}
		if bucket > 0 {
			k.start = ev.OccurredAt.UTC().Truncate(bucket)
		}
		a, ok := acc[k]
		if !ok {
			a = &accumulator{
				VariantMetrics: model.VariantMetrics{VariantID: k.variant, BucketStart: k.start},
				delivered:      map[string]struct{}{},
			}
			acc[k] = a
		}
		switch ev.Kind {
		case model.DeliveryKindSent:
			a.Sent++
			a.delivered[ev.NotificationID] = struct{}{}
		case model.DeliveryKindOpened:
			a.Opened++
		case model.DeliveryKindClicked:
			a.Clicked++
		case model.DeliveryKindDismissed:
			a.Dismissed++
		case model.DeliveryKindBounced:
			a.Bounced++
		case model.DeliveryKindFailed:
			a.Failed++
		}
	}

	out := make([]model.VariantMetrics, 0, len(acc))
	for _, a := range acc {
		m := a.VariantMetrics
		m.UniqueDelivery = len(a.delivered)
		if m.UniqueDelivery > 0 {
			d := float64(m.UniqueDelivery)
			m.OpenRate = float64(m.Opened) / d
			m.ClickThrough = float64(m.Clicked) / d
			m.DismissRate = float64(m.Dismissed) / d
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out
}

// CompareVariants reports one row per template variant over the test period,
// including variants that have not been delivered yet.
func (s *service) CompareVariants(ctx context.Context, testID string) ([]model.VariantMetrics, error) {
	test, err := s.tests.Get(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get test %s: %w", testID, err)
	}
	q := Query{TestID: testID}
	if test.StartAt != nil {
		q.From = *test.StartAt
	}
	if test.EndAt != nil {
		q.To = *test.EndAt
	}
	rows, err := s.Aggregate(ctx, q)
	if err != nil {
		return nil, err
	}

	tpl, err := s.templates.Get(ctx, test.TemplateID)
	if errors.Is(err, repository.ErrNotFound) {
		return rows, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	byVariant := make(map[string]model.VariantMetrics, len(rows))
	for _, r := range rows {
		byVariant[r.VariantID] = r
	}
	out := make([]model.VariantMetrics, 0, len(tpl.Variants))
	for _, v := range tpl.Variants {
		m, ok := byVariant[v.ID]
		if !ok {
			m = model.VariantMetrics{VariantID: v.ID}
		}
		out = append(out, m)
	}
	return out, nil
}
