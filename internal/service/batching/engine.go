package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

// KeyFunc derives the batch key of an event.
type KeyFunc func(ev *model.NotificationEvent) string

type Policy struct {
	Window time.Duration
	Mode   model.BatchMode
	// MaxWindow caps how far a sliding window can extend from its opening.
	MaxWindow time.Duration
	KeyFunc   KeyFunc
}

// Decision tells the caller whether to deliver the event itself.
type Decision struct {
	DeliverNow bool
	BatchKey   string
}

// FlushHandler turns a taken window into one summarizing notification.
type FlushHandler func(ctx context.Context, w *model.BatchWindow) error

type Engine interface {
	Submit(ctx context.Context, ev *model.NotificationEvent, userID string) (Decision, error)
	Flush(ctx context.Context, userID, batchKey string) error
	FlushDue(ctx context.Context, now time.Time) (int, error)
	CancelEntity(ctx context.Context, entityType, entityID string) (int, error)
	SetFlushHandler(h FlushHandler)
	Stop()
}

type Config struct {
	Policies map[model.EventType]Policy
	// Timers arms an in-process flush per window. The sweeper still runs
	// FlushDue so windows opened by a crashed process get flushed.
	Timers       bool
	FlushTimeout time.Duration
	DueLimit     int
	// RetryDelay is how long a window whose flush failed waits before it is
	// due again.
	RetryDelay time.Duration
}

type engine struct {
	store   repository.BatchRepository
	config  Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	handler FlushHandler
	timers  map[string]*time.Timer
	stopped bool
}

func NewEngine(store repository.BatchRepository, cfg Config, log *logger.Logger, m *metrics.Metrics) Engine {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if cfg.DueLimit <= 0 {
		cfg.DueLimit = 100
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	return &engine{
		store:   store,
		config:  cfg,
		logger:  log,
		metrics: m,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

// DefaultKey groups events about the same entity.
func DefaultKey(ev *model.NotificationEvent) string {
	if ev.EntityID == "" {
		return string(ev.Type)
	}
	return fmt.Sprintf("%s:%s:%s", ev.Type, ev.EntityType, ev.EntityID)
}

func (e *engine) SetFlushHandler(h FlushHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *engine) Submit(ctx context.Context, ev *model.NotificationEvent, userID string) (Decision, error) {
	policy, ok := e.config.Policies[ev.Type]
	if !ok || policy.Window <= 0 {
		return Decision{DeliverNow: true}, nil
	}
	keyFn := policy.KeyFunc
	if keyFn == nil {
		keyFn = DefaultKey
	}
	key := keyFn(ev)

	res, err := e.store.Append(ctx, repository.BatchAppend{
		UserID:    userID,
		BatchKey:  key,
		Type:      ev.Type,
		Event:     *ev,
		Now:       e.now(),
		Window:    policy.Window,
		Sliding:   policy.Mode == model.BatchModeSliding,
		MaxWindow: policy.MaxWindow,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to append to batch window: %w", err)
	}
	e.metrics.BatchedEvents.Inc()

	if e.config.Timers {
		e.arm(model.WindowID(userID, key), res.FlushAt)
	}

	e.logger.Debug("event buffered",
		"user_id", userID,
		"batch_key", key,
		"size", res.Size,
		"flush_at", res.FlushAt)
	return Decision{BatchKey: key}, nil
}

// arm schedules (or moves) the in-process flush for a window. The callback
// goes through FlushDue so it only takes windows the store considers due.
func (e *engine) arm(id string, flushAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	delay := flushAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	if t, ok := e.timers[id]; ok {
		t.Reset(delay)
		return
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.config.FlushTimeout)
		defer cancel()
		if _, err := e.FlushDue(ctx, e.now()); err != nil {
			e.logger.Error(err, "timed batch flush failed", "window", id)
		}
	})
}

func (e *engine) disarm(id string) {
	e.mu.Lock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
}

// Flush takes the window now regardless of its deadline.
func (e *engine) Flush(ctx context.Context, userID, batchKey string) error {
	w, err := e.store.Take(ctx, userID, batchKey)
	if err != nil {
		return fmt.Errorf("failed to take batch window: %w", err)
	}
	if w == nil {
		return nil
	}
	e.disarm(model.WindowID(userID, batchKey))
	return e.flush(ctx, w)
}

// FlushDue delivers every window due at now. Windows whose delivery fails
// are put back and retried after RetryDelay; the returned error joins every
// failure of the pass.
func (e *engine) FlushDue(ctx context.Context, now time.Time) (int, error) {
	var (
		flushed int
		errs    []error
	)
	for {
		windows, takeErr := e.store.TakeDue(ctx, now, e.config.DueLimit)
		for _, w := range windows {
			e.disarm(model.WindowID(w.UserID, w.BatchKey))
			if err := e.flush(ctx, w); err != nil {
				errs = append(errs, err)
				continue
			}
			flushed++
		}
		if takeErr != nil {
			errs = append(errs, fmt.Errorf("failed to take due windows: %w", takeErr))
			return flushed, errors.Join(errs...)
		}
		if len(windows) < e.config.DueLimit {
			return flushed, errors.Join(errs...)
		}
	}
}

// flush hands a taken window to the handler. Configuration errors drop the
// window since no retry can render it; any other failure restores it.
func (e *engine) flush(ctx context.Context, w *model.BatchWindow) error {
	err := e.deliver(ctx, w)
	if err == nil {
		return nil
	}
	if model.IsConfigurationError(err) {
		e.logger.Error(err, "batch dropped",
			"user_id", w.UserID,
			"batch_key", w.BatchKey,
			"events", len(w.Events))
		return fmt.Errorf("batch %s: %w", w.BatchKey, err)
	}

	retryAt := e.now().Add(e.config.RetryDelay)
	if rerr := e.store.Restore(ctx, w, retryAt); rerr != nil {
		e.logger.Error(rerr, "failed to restore batch window, events lost",
			"user_id", w.UserID,
			"batch_key", w.BatchKey,
			"events", len(w.Events))
		return errors.Join(fmt.Errorf("batch %s: %w", w.BatchKey, err), rerr)
	}
	if e.config.Timers {
		e.arm(model.WindowID(w.UserID, w.BatchKey), retryAt)
	}
	e.logger.Warn("batch flush failed, window restored",
		"user_id", w.UserID,
		"batch_key", w.BatchKey,
		"events", len(w.Events),
		"retry_at", retryAt,
		"error", err.Error())
	return fmt.Errorf("batch %s: %w", w.BatchKey, err)
}

func (e *engine) deliver(ctx context.Context, w *model.BatchWindow) error {
	if len(w.Events) == 0 {
		e.metrics.BatchesFlushed.WithLabelValues("empty").Inc()
		return nil
	}
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		e.metrics.BatchesFlushed.WithLabelValues("error").Inc()
		return fmt.Errorf("no flush handler registered")
	}
	if err := h(ctx, w); err != nil {
		e.metrics.BatchesFlushed.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.BatchesFlushed.WithLabelValues("sent").Inc()
	return nil
}

func (e *engine) CancelEntity(ctx context.Context, entityType, entityID string) (int, error) {
	n, err := e.store.CancelEntity(ctx, entityType, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel batched events: %w", err)
	}
	return n, nil
}

func (e *engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
