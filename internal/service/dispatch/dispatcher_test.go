package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/channel/push"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/repository/memory"
	"github.com/jwalitptl/notify/internal/service/preference"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
	"github.com/jwalitptl/notify/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	ch     model.Channel
	mu     sync.Mutex
	calls  int
	result channel.Result
}

func (f *fakeSender) Channel() model.Channel { return f.ch }

func (f *fakeSender) Send(context.Context, channel.Message) channel.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu     sync.Mutex
	events []model.DeliveryEvent
}

func (r *recorder) Record(ev model.DeliveryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() map[model.Channel]model.DeliveryKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[model.Channel]model.DeliveryKind{}
	for _, ev := range r.events {
		out[ev.Channel] = ev.Kind
	}
	return out
}

type observer struct {
	outcomes []Outcome
}

func (o *observer) Dispatched(_ context.Context, _ *model.Notification, outcome Outcome) {
	o.outcomes = append(o.outcomes, outcome)
}

type fixture struct {
	dispatcher    *Dispatcher
	prefs         preference.Service
	notifications repository.NotificationRepository
	tokens        repository.PushTokenRepository
	recorder      *recorder
	observer      *observer
}

func newFixture(t *testing.T, cfg Config, senders ...channel.Sender) fixture {
	t.Helper()
	prefs := preference.NewService(memory.NewPreferenceRepository(), validator.New(), logger.Nop())
	notifications := memory.NewNotificationRepository()
	tokens := memory.NewPushTokenRepository()
	rec := &recorder{}
	obs := &observer{}
	d := NewDispatcher(prefs, channel.NewRegistry(senders...), notifications, NewTokenCleaner(tokens), rec, cfg, logger.Nop(), metrics.NewNop())
	d.AddObserver(obs)
	return fixture{dispatcher: d, prefs: prefs, notifications: notifications, tokens: tokens, recorder: rec, observer: obs}
}

func (f fixture) released(t *testing.T, typ model.EventType) *model.Notification {
	t.Helper()
	n := &model.Notification{
		ID:         "n1",
		UserID:     "u1",
		Type:       typ,
		TemplateID: string(typ),
		Status:     model.NotificationStatusReleased,
		Payload:    model.Payload{Title: "Ada commented on Launch plan", Body: "ship it"},
	}
	require.NoError(t, f.notifications.Create(context.Background(), n))
	return n
}

func TestEmailDisabledSkipsOnlyEmail(t *testing.T) {
	inApp := &fakeSender{ch: model.ChannelInApp, result: channel.Sent()}
	email := &fakeSender{ch: model.ChannelEmail, result: channel.Sent()}
	f := newFixture(t, Config{TypeChannels: map[model.EventType][]model.Channel{
		model.EventTypeComment: {model.ChannelInApp, model.ChannelEmail},
	}}, inApp, email)
	ctx := context.Background()

	require.NoError(t, f.prefs.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelEmail, Type: model.EventTypeComment, Enabled: false,
	}))

	n := f.released(t, model.EventTypeComment)
	res, err := f.dispatcher.Dispatch(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)

	assert.Equal(t, 1, inApp.Calls())
	assert.Zero(t, email.Calls())

	stored, err := f.notifications.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSent, stored.ChannelStates[model.ChannelInApp].Status)
	assert.Equal(t, model.DeliveryStatusSkipped, stored.ChannelStates[model.ChannelEmail].Status)

	assert.Equal(t, map[model.Channel]model.DeliveryKind{model.ChannelInApp: model.DeliveryKindSent}, f.recorder.kinds())
	assert.Equal(t, []Outcome{OutcomeDelivered}, f.observer.outcomes)
}

func TestPreferenceIsRecheckedAtDispatch(t *testing.T) {
	email := &fakeSender{ch: model.ChannelEmail, result: channel.Sent()}
	f := newFixture(t, Config{TypeChannels: map[model.EventType][]model.Channel{
		model.EventTypeTask: {model.ChannelEmail},
	}}, email)
	ctx := context.Background()

	n := f.released(t, model.EventTypeTask)
	require.NoError(t, f.prefs.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelEmail, Type: model.EventTypeTask, Enabled: true,
		Frequency: model.FrequencyDaily,
	}))

	res, err := f.dispatcher.Dispatch(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, res.Outcome, "digest frequency does not send immediately")
	assert.Zero(t, email.Calls())
}

func TestInvalidPushTokenIsRemoved(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Token == "stale" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	prefs := preference.NewService(memory.NewPreferenceRepository(), validator.New(), logger.Nop())
	notifications := memory.NewNotificationRepository()
	tokens := memory.NewPushTokenRepository()
	rec := &recorder{}
	sender := push.NewSender(push.Config{GatewayURL: gateway.URL, Timeout: time.Second}, tokens)
	d := NewDispatcher(prefs, channel.NewRegistry(sender), notifications, NewTokenCleaner(tokens), rec,
		Config{TypeChannels: map[model.EventType][]model.Channel{model.EventTypeShare: {model.ChannelPush}}},
		logger.Nop(), metrics.NewNop())
	ctx := context.Background()

	require.NoError(t, tokens.Register(ctx, &model.PushToken{UserID: "u1", Token: "stale", Platform: "ios"}))
	require.NoError(t, tokens.Register(ctx, &model.PushToken{UserID: "u1", Token: "fresh", Platform: "android"}))
	n := &model.Notification{ID: "n1", UserID: "u1", Type: model.EventTypeShare, Status: model.NotificationStatusReleased}
	require.NoError(t, notifications.Create(ctx, n))

	res, err := d.Dispatch(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)

	left, err := tokens.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].Token)

	require.NoError(t, tokens.DeleteToken(ctx, "fresh"))
	require.NoError(t, tokens.Register(ctx, &model.PushToken{UserID: "u1", Token: "stale"}))
	n2 := &model.Notification{ID: "n2", UserID: "u1", Type: model.EventTypeShare, Status: model.NotificationStatusReleased}
	require.NoError(t, notifications.Create(ctx, n2))

	res, err = d.Dispatch(ctx, n2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome, "invalid targets are not retried")
	left, err = tokens.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestTransientFailureAsksForRetryWithoutResendingSentChannels(t *testing.T) {
	inApp := &fakeSender{ch: model.ChannelInApp, result: channel.Sent()}
	email := &fakeSender{ch: model.ChannelEmail, result: channel.Transient(errors.New("connection refused"))}
	f := newFixture(t, Config{TypeChannels: map[model.EventType][]model.Channel{
		model.EventTypeTask: {model.ChannelEmail},
	}}, inApp, email)
	ctx := context.Background()

	n := f.released(t, model.EventTypeTask)
	res, err := f.dispatcher.Dispatch(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.ErrorContains(t, res.Cause, "connection refused")

	f.dispatcher.config.TypeChannels[model.EventTypeTask] = []model.Channel{model.ChannelInApp, model.ChannelEmail}
	email.result = channel.Sent()
	n, err = f.notifications.Get(ctx, "n1")
	require.NoError(t, err)
	res, err = f.dispatcher.Dispatch(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)

	n, err = f.notifications.Get(ctx, "n1")
	require.NoError(t, err)
	res, err = f.dispatcher.Dispatch(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, 1, inApp.Calls(), "sent channels are not re-sent")
	assert.Equal(t, 2, email.Calls())
}

func TestBouncedEmailIsRecorded(t *testing.T) {
	email := &fakeSender{ch: model.ChannelEmail, result: channel.InvalidTarget(errors.New("550 mailbox unavailable"), "ada@example.com")}
	f := newFixture(t, Config{TypeChannels: map[model.EventType][]model.Channel{
		model.EventTypeSystem: {model.ChannelEmail},
	}}, email)

	n := f.released(t, model.EventTypeSystem)
	res, err := f.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, model.DeliveryKindBounced, f.recorder.kinds()[model.ChannelEmail])
}

func TestWorkspacePolicySuppressesEverything(t *testing.T) {
	inApp := &fakeSender{ch: model.ChannelInApp, result: channel.Sent()}
	f := newFixture(t, Config{}, inApp)
	ctx := context.Background()
	require.NoError(t, f.prefs.SetWorkspacePolicy(ctx, &model.WorkspacePolicy{
		WorkspaceID: "w1", Type: model.EventTypeTask, Suppressed: true,
	}))

	n := &model.Notification{ID: "n1", UserID: "u1", WorkspaceID: "w1", Type: model.EventTypeTask, Status: model.NotificationStatusReleased}
	require.NoError(t, f.notifications.Create(ctx, n))

	res, err := f.dispatcher.Dispatch(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, res.Outcome)
	assert.Zero(t, inApp.Calls())
	assert.Len(t, n.ChannelStates, len(model.AllChannels))
}

func TestRejectedPushFailsWithoutRetry(t *testing.T) {
	push := &fakeSender{ch: model.ChannelPush, result: channel.Rejected(errors.New("push rejected by gateway: status 400"))}
	f := newFixture(t, Config{TypeChannels: map[model.EventType][]model.Channel{
		model.EventTypeTask: {model.ChannelPush},
	}}, push)

	n := f.released(t, model.EventTypeTask)
	res, err := f.dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorContains(t, res.Cause, "status 400")

	n, err = f.notifications.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, n.ChannelStates[model.ChannelPush].Status)
}
