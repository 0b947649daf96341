package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"time"

	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/circuitbreaker"
	"gopkg.in/gomail.v2"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// BreakerFailures consecutive transport failures open the breaker.
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Transport sends one prepared message. The SMTP transport dials per message.
type Transport interface {
	Send(from string, to []string, msg io.WriterTo) error
}

type smtpTransport struct {
	dialer *gomail.Dialer
}

func (t *smtpTransport) Send(from string, to []string, msg io.WriterTo) error {
	s, err := t.dialer.Dial()
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Send(from, to, msg)
}

type Sender struct {
	contacts  repository.ContactRepository
	transport Transport
	breaker   *circuitbreaker.CircuitBreaker
	from      string
}

func NewSender(cfg Config, contacts repository.ContactRepository) *Sender {
	return NewSenderWithTransport(cfg, contacts, &smtpTransport{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	})
}

func NewSenderWithTransport(cfg Config, contacts repository.ContactRepository, t Transport) *Sender {
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		contacts:  contacts,
		transport: t,
		from:      cfg.From,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "smtp",
			MaxFailures: cfg.BreakerFailures,
			Timeout:     timeout,
			// A rejected recipient says nothing about the relay's health.
			IsSuccessful: func(err error) bool {
				return err == nil || isRecipientRejected(err)
			},
		}),
	}
}

func (s *Sender) Channel() model.Channel { return model.ChannelEmail }

func (s *Sender) Send(ctx context.Context, msg channel.Message) channel.Result {
	to, err := s.contacts.EmailFor(ctx, msg.UserID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && to == "") {
		return channel.Skipped(channel.ErrNoTarget)
	}
	if err != nil {
		return channel.Transient(fmt.Errorf("lookup email address: %w", err))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Payload.Title)
	m.SetHeader("X-Notification-ID", msg.NotificationID)
	m.SetBody("text/plain", msg.Payload.Body)

	err = s.breaker.Execute(func() error {
		return s.transport.Send(s.from, []string{to}, m)
	})
	switch {
	case err == nil:
		return channel.Sent()
	case isRecipientRejected(err):
		return channel.InvalidTarget(fmt.Errorf("smtp rejected %s: %w", to, err), to)
	default:
		return channel.Transient(fmt.Errorf("smtp send: %w", err))
	}
}

// isRecipientRejected matches permanent mailbox failures (unknown user,
// mailbox unavailable, bad address syntax).
func isRecipientRejected(err error) bool {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return false
	}
	switch tpErr.Code {
	case 550, 551, 553:
		return true
	}
	return false
}
