// Package pipeline turns domain events into delivered notifications. It owns
// the intake queue and glues the preference, batching, content, scheduling and
// dispatch stages together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/service/abtest"
	"github.com/jwalitptl/notify/internal/service/batching"
	"github.com/jwalitptl/notify/internal/service/dispatch"
	"github.com/jwalitptl/notify/internal/service/preference"
	"github.com/jwalitptl/notify/internal/service/scheduler"
	"github.com/jwalitptl/notify/internal/service/template"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
	"github.com/jwalitptl/notify/pkg/validator"
)

// namespace seeds deterministic notification IDs so a redelivered event or
// window maps onto the row it already produced.
var namespace = uuid.MustParse("6f1c8e0a-4d52-4b7e-9a51-0f0c3b2d9e11")

type Config struct {
	QueueSize int
	Workers   int
	// Templates maps event types to template IDs; the type name is the default.
	Templates map[model.EventType]string
	// BatchTemplates render summaries; "<type>_batch" is the default.
	BatchTemplates map[model.EventType]string
	DigestTemplate string
	// DigestHour is the UTC hour of a new digest schedule.
	DigestHour     int
	ProcessTimeout time.Duration
}

type Pipeline struct {
	preferences preference.Service
	batching    batching.Engine
	templates   template.Service
	variants    abtest.Service
	scheduler   scheduler.Service
	dispatcher  *dispatch.Dispatcher
	digests     repository.DigestRepository
	validator   validator.Validator
	config      Config
	logger      *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	queue  chan *model.NotificationEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	preferences preference.Service,
	batcher batching.Engine,
	templates template.Service,
	variants abtest.Service,
	sched scheduler.Service,
	dispatcher *dispatch.Dispatcher,
	digests repository.DigestRepository,
	v validator.Validator,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DigestTemplate == "" {
		cfg.DigestTemplate = "digest"
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = time.Minute
	}
	p := &Pipeline{
		preferences: preferences,
		batching:    batcher,
		templates:   templates,
		variants:    variants,
		scheduler:   sched,
		dispatcher:  dispatcher,
		digests:     digests,
		validator:   v,
		config:      cfg,
		logger:      log,
		metrics:     m,
		now:         time.Now,
		queue:       make(chan *model.NotificationEvent, cfg.QueueSize),
	}
	batcher.SetFlushHandler(p.flushWindow)
	sched.SetDigestComposer(p)
	return p
}

// Emit queues an event without blocking. It reports false when the intake
// queue is full and the event was dropped.
func (p *Pipeline) Emit(ev *model.NotificationEvent) bool {
	select {
	case p.queue <- ev:
		p.metrics.IntakeQueue.Inc()
		return true
	default:
		p.metrics.EventsDropped.Inc()
		p.logger.Warn("intake queue full, dropping event", "event_id", ev.ID, "type", string(ev.Type))
		return false
	}
}

// Start launches the intake workers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-p.queue:
					p.metrics.IntakeQueue.Dec()
					p.processQueued(ctx, ev)
				}
			}
		}()
	}
}

func (p *Pipeline) processQueued(ctx context.Context, ev *model.NotificationEvent) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ProcessTimeout)
	defer cancel()
	if err := p.Process(ctx, ev); err != nil {
		p.logger.Error(err, "failed to process event", "event_id", ev.ID, "type", string(ev.Type))
	}
}

// Close stops the workers and processes whatever is still queued.
func (p *Pipeline) Close(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
	for {
		select {
		case ev := <-p.queue:
			p.metrics.IntakeQueue.Dec()
			p.processQueued(ctx, ev)
		default:
			return
		}
	}
}

// Process runs one event through the pipeline for every recipient.
func (p *Pipeline) Process(ctx context.Context, ev *model.NotificationEvent) error {
	if err := p.validator.Validate(ev); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if !ev.Type.IsValid() {
		return fmt.Errorf("invalid event: unknown type %q", ev.Type)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now()
	}
	p.metrics.EventsReceived.WithLabelValues(string(ev.Type)).Inc()

	var errs []error
	for _, userID := range ev.Recipients() {
		if userID == ev.ActorID {
			continue
		}
		if err := p.processFor(ctx, ev, userID); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) processFor(ctx context.Context, ev *model.NotificationEvent, userID string) error {
	immediate, digest, err := p.route(ctx, ev, userID)
	if err != nil {
		return err
	}
	if digest != "" {
		if err := p.captureDigestItem(ctx, ev, userID, digest); err != nil {
			return err
		}
	}
	if !immediate {
		p.logger.Debug("no immediate channel for event", "event_id", ev.ID, "user_id", userID)
		return nil
	}

	if ev.DeliverAt == nil {
		decision, err := p.batching.Submit(ctx, ev, userID)
		if err != nil {
			return err
		}
		if !decision.DeliverNow {
			return nil
		}
	}

	n, err := p.build(ctx, buildRequest{
		id:          deterministicID("event", ev.ID, userID),
		userID:      userID,
		workspaceID: ev.WorkspaceID,
		typ:         ev.Type,
		templateID:  p.templateFor(ev.Type),
		bindings:    ev.Bindings(),
		entityType:  ev.EntityType,
		entityID:    ev.EntityID,
	})
	if err != nil {
		return err
	}
	at := p.now()
	if ev.DeliverAt != nil && ev.DeliverAt.After(at) {
		at = *ev.DeliverAt
	}
	return p.scheduleAndDeliver(ctx, n, at)
}

// route reports whether any channel wants the event now, and the digest
// frequency if any channel collects it for a digest instead.
func (p *Pipeline) route(ctx context.Context, ev *model.NotificationEvent, userID string) (bool, model.Frequency, error) {
	var (
		immediate bool
		digest    model.Frequency
	)
	for _, ch := range p.dispatcher.ChannelsFor(ev.Type) {
		d, err := p.preferences.Resolve(ctx, userID, ev.WorkspaceID, ch, ev.Type)
		if err != nil {
			return false, "", err
		}
		if !d.Allowed {
			continue
		}
		if d.Frequency.IsDigest() {
			ok, err := p.digestAccepts(ctx, userID, ev.WorkspaceID, ch)
			if err != nil {
				return false, "", err
			}
			if !ok {
				continue
			}
			if digest == "" || d.Frequency == model.FrequencyDaily {
				digest = d.Frequency
			}
			continue
		}
		immediate = true
	}
	return immediate, digest, nil
}

// digestAccepts reports whether the digest would reach the user on ch.
// Items collected for any other channel would never be delivered.
func (p *Pipeline) digestAccepts(ctx context.Context, userID, workspaceID string, ch model.Channel) (bool, error) {
	if !slices.Contains(p.dispatcher.ChannelsFor(model.EventTypeDigest), ch) {
		return false, nil
	}
	d, err := p.preferences.Resolve(ctx, userID, workspaceID, ch, model.EventTypeDigest)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

func (p *Pipeline) templateFor(t model.EventType) string {
	if id, ok := p.config.Templates[t]; ok {
		return id
	}
	return string(t)
}

func (p *Pipeline) batchTemplateFor(t model.EventType) string {
	if id, ok := p.config.BatchTemplates[t]; ok {
		return id
	}
	return string(t) + "_batch"
}

type buildRequest struct {
	id          string
	userID      string
	workspaceID string
	typ         model.EventType
	templateID  string
	bindings    map[string]any
	entityType  string
	entityID    string
	batchKey    *string
}

// build selects the content variant and renders the notification.
func (p *Pipeline) build(ctx context.Context, req buildRequest) (*model.Notification, error) {
	n := &model.Notification{
		ID:          req.id,
		UserID:      req.userID,
		WorkspaceID: req.workspaceID,
		Type:        req.typ,
		TemplateID:  req.templateID,
		BatchKey:    req.batchKey,
		EntityType:  req.entityType,
		EntityID:    req.entityID,
	}

	test, err := p.variants.ActiveTestFor(ctx, req.templateID)
	if err != nil {
		return nil, err
	}
	variantID := ""
	if test != nil {
		variantID, err = p.variants.SelectVariant(ctx, test.ID, req.userID)
		if err != nil {
			return nil, err
		}
		n.TestID = model.StringPtr(test.ID)
		n.VariantID = model.StringPtr(variantID)
	}

	payload, err := p.templates.Render(ctx, req.templateID, variantID, req.bindings)
	if err != nil {
		return nil, err
	}
	n.Payload = payload
	return n, nil
}

func (p *Pipeline) scheduleAndDeliver(ctx context.Context, n *model.Notification, at time.Time) error {
	if err := p.scheduler.Schedule(ctx, n, at); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			p.logger.Debug("notification already exists", "notification_id", n.ID)
			return nil
		}
		return err
	}
	p.metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
	if at.After(p.now()) {
		return nil
	}

	claimed, ok, err := p.scheduler.Claim(ctx, n.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return p.Deliver(ctx, claimed)
}

// Deliver dispatches a released notification and settles its status.
func (p *Pipeline) Deliver(ctx context.Context, n *model.Notification) error {
	res, err := p.dispatcher.Dispatch(ctx, n)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case dispatch.OutcomeDelivered:
		return p.scheduler.MarkDispatched(ctx, n)
	case dispatch.OutcomeRetry:
		return p.scheduler.HandleFailure(ctx, n, res.Cause)
	case dispatch.OutcomeFailed:
		return p.scheduler.MarkFailed(ctx, n, res.Cause)
	default:
		return p.scheduler.Suppress(ctx, n, "no channel permitted")
	}
}

// CancelEntity drops pending batched events and scheduled notifications that
// refer to a removed entity.
func (p *Pipeline) CancelEntity(ctx context.Context, entityType, entityID string) (int, error) {
	batched, err := p.batching.CancelEntity(ctx, entityType, entityID)
	if err != nil {
		return 0, err
	}
	scheduled, err := p.scheduler.CancelEntity(ctx, entityType, entityID)
	if err != nil {
		return batched, err
	}
	return batched + scheduled, nil
}

func deterministicID(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "|"))).String()
}
