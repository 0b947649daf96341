package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/service/analytics"
	"github.com/jwalitptl/notify/internal/service/preference"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSuppressed means no channel was permitted at dispatch time.
	OutcomeSuppressed Outcome = "suppressed"
)

type Result struct {
	Outcome Outcome
	// Cause is the first channel error when nothing was delivered.
	Cause error
}

// TargetCleaner removes registrations a transport reported as stale.
type TargetCleaner interface {
	CleanTargets(ctx context.Context, userID string, ch model.Channel, targets []string) error
}

// Observer is told about every completed dispatch.
type Observer interface {
	Dispatched(ctx context.Context, n *model.Notification, outcome Outcome)
}

type Config struct {
	// TypeChannels lists the channels per type; unlisted types use all.
	TypeChannels map[model.EventType][]model.Channel
	SendTimeout  time.Duration
}

type Dispatcher struct {
	preferences   preference.Service
	senders       channel.Registry
	notifications repository.NotificationRepository
	cleaner       TargetCleaner
	recorder      analytics.Recorder
	observers     []Observer
	config        Config
	logger        *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewDispatcher(
	preferences preference.Service,
	senders channel.Registry,
	notifications repository.NotificationRepository,
	cleaner TargetCleaner,
	recorder analytics.Recorder,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		preferences:   preferences,
		senders:       senders,
		notifications: notifications,
		cleaner:       cleaner,
		recorder:      recorder,
		config:        cfg,
		logger:        log,
		metrics:       m,
		now:           time.Now,
	}
}

func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// ChannelsFor returns the configured channels for a type.
func (d *Dispatcher) ChannelsFor(t model.EventType) []model.Channel {
	if chs, ok := d.config.TypeChannels[t]; ok && len(chs) > 0 {
		return chs
	}
	return model.AllChannels
}

type attempt struct {
	channel model.Channel
	result  channel.Result
}

// Dispatch fans the notification out to every permitted channel and records
// each channel's outcome on the notification. It never retries; a Retry
// outcome is for the scheduler. The returned error covers persistence only.
func (d *Dispatcher) Dispatch(ctx context.Context, n *model.Notification) (Result, error) {
	start := d.now()
	defer func() {
		d.metrics.DispatchLatency.Observe(d.now().Sub(start).Seconds())
	}()

	var (
		pending     []model.Channel
		denied      []model.Channel
		prefErrs    []attempt
		alreadySent bool
	)
	for _, ch := range d.ChannelsFor(n.Type) {
		if st, ok := n.ChannelStates[ch]; ok && st.Status == model.DeliveryStatusSent {
			alreadySent = true
			continue
		}
		decision, err := d.preferences.Resolve(ctx, n.UserID, n.WorkspaceID, ch, n.Type)
		if err != nil {
			prefErrs = append(prefErrs, attempt{ch, channel.Transient(fmt.Errorf("resolve preference: %w", err))})
			continue
		}
		if !decision.Allowed || !sendsImmediately(decision.Frequency) {
			denied = append(denied, ch)
			continue
		}
		pending = append(pending, ch)
	}

	now := d.now()
	for _, ch := range denied {
		n.SetChannelState(ch, model.DeliveryStatusSkipped, "", now)
	}

	attempts := append(prefErrs, d.sendAll(ctx, n, pending)...)

	var (
		sent      = alreadySent
		transient bool
		failed    bool
		cause     error
	)
	now = d.now()
	for _, a := range attempts {
		r := a.result
		if len(r.InvalidTargets) > 0 {
			d.cleanTargets(ctx, n, a.channel, r.InvalidTargets)
		}
		switch {
		case r.Sent:
			sent = true
			n.SetChannelState(a.channel, model.DeliveryStatusSent, "", now)
			d.recorder.Record(model.DeliveryEventFor(n, a.channel, model.DeliveryKindSent, now))
			d.metrics.Deliveries.WithLabelValues(string(a.channel), string(model.DeliveryStatusSent)).Inc()
		case r.Skipped:
			n.SetChannelState(a.channel, model.DeliveryStatusSkipped, errString(r.Err), now)
			d.metrics.Deliveries.WithLabelValues(string(a.channel), string(model.DeliveryStatusSkipped)).Inc()
		default:
			failed = true
			if r.Retryable() {
				transient = true
			}
			if cause == nil {
				cause = fmt.Errorf("%s: %w", a.channel, errOrUnknown(r.Err))
			}
			n.SetChannelState(a.channel, model.DeliveryStatusFailed, errString(r.Err), now)
			if r.Reason == channel.ReasonInvalidTarget && a.channel == model.ChannelEmail {
				d.recorder.Record(model.DeliveryEventFor(n, a.channel, model.DeliveryKindBounced, now))
			}
			d.metrics.Deliveries.WithLabelValues(string(a.channel), string(model.DeliveryStatusFailed)).Inc()
			d.logger.Warn("channel delivery failed",
				"notification_id", n.ID,
				"user_id", n.UserID,
				"channel", string(a.channel),
				"reason", string(r.Reason),
				"error", errString(r.Err))
		}
	}

	var res Result
	switch {
	case sent:
		res.Outcome = OutcomeDelivered
	case transient:
		res = Result{Outcome: OutcomeRetry, Cause: cause}
	case failed:
		res = Result{Outcome: OutcomeFailed, Cause: cause}
	default:
		res.Outcome = OutcomeSuppressed
	}

	n.UpdatedAt = now
	if err := d.notifications.Update(ctx, n); err != nil {
		return res, fmt.Errorf("failed to record channel states: %w", err)
	}

	for _, o := range d.observers {
		o.Dispatched(ctx, n, res.Outcome)
	}
	return res, nil
}

func (d *Dispatcher) sendAll(ctx context.Context, n *model.Notification, chs []model.Channel) []attempt {
	out := make([]attempt, len(chs))
	msg := channel.Message{
		NotificationID: n.ID,
		Type:           n.Type,
		Payload:        n.Payload,
	}

	var wg sync.WaitGroup
	for i, ch := range chs {
		wg.Add(1)
		go func(i int, ch model.Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
			defer cancel()
			out[i] = attempt{channel: ch, result: d.senders.Send(sendCtx, n.UserID, ch, msg)}
		}(i, ch)
	}
	wg.Wait()
	return out
}

func (d *Dispatcher) cleanTargets(ctx context.Context, n *model.Notification, ch model.Channel, targets []string) {
	if d.cleaner == nil {
		return
	}
	if err := d.cleaner.CleanTargets(ctx, n.UserID, ch, targets); err != nil {
		d.logger.Error(err, "failed to clean invalid targets",
			"user_id", n.UserID,
			"channel", string(ch),
			"count", len(targets))
		return
	}
	d.logger.Info("removed invalid delivery targets",
		"user_id", n.UserID,
		"channel", string(ch),
		"count", len(targets))
}

// Digest frequencies route the type to the digest instead of sending now.
func sendsImmediately(f model.Frequency) bool {
	return f == "" || f == model.FrequencyImmediate
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errOrUnknown(err error) error {
	if err == nil {
		return errors.New("unknown delivery failure")
	}
	return err
}
