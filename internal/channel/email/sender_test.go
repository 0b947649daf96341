package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"testing"

	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	err  error
	sent []string
	body bytes.Buffer
}

func (f *fakeTransport) Send(_ string, to []string, msg io.WriterTo) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to...)
	_, err := msg.WriteTo(&f.body)
	return err
}

func newTestSender(t *testing.T, tr Transport) *Sender {
	t.Helper()
	contacts := memory.NewContactRepository()
	require.NoError(t, contacts.SetEmail(context.Background(), "u1", "u1@example.com"))
	return NewSenderWithTransport(Config{From: "noreply@example.com", BreakerFailures: 2}, contacts, tr)
}

func message() channel.Message {
	return channel.Message{
		NotificationID: "n1",
		UserID:         "u1",
		Type:           model.EventTypeTask,
		Payload:        model.Payload{Title: "Task updated", Body: "Fix login moved to done"},
	}
}

func TestSendDelivers(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(t, tr)

	res := s.Send(context.Background(), message())
	assert.True(t, res.Sent)
	assert.Equal(t, []string{"u1@example.com"}, tr.sent)
	assert.Contains(t, tr.body.String(), "Subject: Task updated")
}

func TestSendWithoutAddressIsSkipped(t *testing.T) {
	s := newTestSender(t, &fakeTransport{})
	msg := message()
	msg.UserID = "nobody"

	res := s.Send(context.Background(), msg)
	assert.True(t, res.Skipped)
	assert.False(t, res.Sent)
}

func TestRejectedRecipientIsInvalidTarget(t *testing.T) {
	s := newTestSender(t, &fakeTransport{err: &textproto.Error{Code: 550, Msg: "no such user"}})

	res := s.Send(context.Background(), message())
	assert.Equal(t, channel.ReasonInvalidTarget, res.Reason)
	assert.Equal(t, []string{"u1@example.com"}, res.InvalidTargets)
}

func TestTransportFailureIsTransientAndTripsBreaker(t *testing.T) {
	s := newTestSender(t, &fakeTransport{err: errors.New("connection refused")})

	for i := 0; i < 3; i++ {
		res := s.Send(context.Background(), message())
		assert.Equal(t, channel.ReasonTransient, res.Reason)
	}
	assert.Equal(t, "open", s.breaker.State())
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	s := newTestSender(t, &fakeTransport{err: &textproto.Error{Code: 550, Msg: "no such user"}})
	for i := 0; i < 5; i++ {
		s.Send(context.Background(), message())
	}
	assert.Equal(t, "closed", s.breaker.State())
}
