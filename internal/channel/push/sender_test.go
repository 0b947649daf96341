package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	mu       sync.Mutex
	statuses map[string]int
	received []gatewayRequest
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	g.mu.Lock()
	g.received = append(g.received, req)
	status, ok := g.statuses[req.Token]
	g.mu.Unlock()
	if !ok {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func setup(t *testing.T, statuses map[string]int, tokens ...string) (*Sender, *gateway, repository.PushTokenRepository) {
	t.Helper()
	gw := &gateway{statuses: statuses}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	repo := memory.NewPushTokenRepository()
	for _, tok := range tokens {
		require.NoError(t, repo.Register(context.Background(), &model.PushToken{UserID: "u1", Token: tok, Platform: "ios"}))
	}
	return NewSender(Config{GatewayURL: srv.URL, BreakerFailures: 3}, repo), gw, repo
}

func msg() channel.Message {
	return channel.Message{NotificationID: "n1", UserID: "u1", Payload: model.Payload{Title: "Hi", Body: "There"}}
}

func TestSendToAllTokens(t *testing.T) {
	s, gw, _ := setup(t, nil, "tok-a", "tok-b")

	res := s.Send(context.Background(), msg())
	assert.True(t, res.Sent)
	assert.Empty(t, res.InvalidTargets)
	assert.Len(t, gw.received, 2)
	assert.Equal(t, "Hi", gw.received[0].Title)
}

func TestNoTokensIsSkipped(t *testing.T) {
	s, _, _ := setup(t, nil)

	res := s.Send(context.Background(), msg())
	assert.True(t, res.Skipped)
}

func TestGoneTokenIsInvalidTarget(t *testing.T) {
	s, _, _ := setup(t, map[string]int{"stale": http.StatusGone}, "stale")

	res := s.Send(context.Background(), msg())
	assert.False(t, res.Sent)
	assert.Equal(t, channel.ReasonInvalidTarget, res.Reason)
	assert.Equal(t, []string{"stale"}, res.InvalidTargets)
}

func TestMixedTokensReportStaleOnSuccess(t *testing.T) {
	s, _, _ := setup(t, map[string]int{"stale": http.StatusNotFound}, "good", "stale")

	res := s.Send(context.Background(), msg())
	assert.True(t, res.Sent)
	assert.Equal(t, []string{"stale"}, res.InvalidTargets)
}

func TestGatewayErrorIsTransient(t *testing.T) {
	s, _, _ := setup(t, map[string]int{"tok": http.StatusServiceUnavailable}, "tok")

	res := s.Send(context.Background(), msg())
	assert.Equal(t, channel.ReasonTransient, res.Reason)
	assert.Error(t, res.Err)
}

func TestClientErrorsAreRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason channel.Reason
	}{
		{"bad request", http.StatusBadRequest, channel.ReasonRejected},
		{"unauthorized", http.StatusUnauthorized, channel.ReasonRejected},
		{"payload too large", http.StatusRequestEntityTooLarge, channel.ReasonRejected},
		{"request timeout", http.StatusRequestTimeout, channel.ReasonTransient},
		{"throttled", http.StatusTooManyRequests, channel.ReasonTransient},
		{"server error", http.StatusInternalServerError, channel.ReasonTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := setup(t, map[string]int{"tok": tt.status}, "tok")

			res := s.Send(context.Background(), msg())
			assert.False(t, res.Sent)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.reason == channel.ReasonTransient, res.Retryable())
			assert.Empty(t, res.InvalidTargets)
		})
	}
}

func TestRejectionsDoNotOpenBreaker(t *testing.T) {
	s, gw, _ := setup(t, map[string]int{"bad": http.StatusBadRequest}, "bad")

	for i := 0; i < 5; i++ {
		res := s.Send(context.Background(), msg())
		assert.Equal(t, channel.ReasonRejected, res.Reason)
	}
	assert.Len(t, gw.received, 5, "every request reaches the gateway")
}
