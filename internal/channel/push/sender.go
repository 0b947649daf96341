package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/circuitbreaker"
	"golang.org/x/time/rate"
)

type Config struct {
	GatewayURL string
	APIKey     string
	Timeout    time.Duration
	// RatePerSecond limits gateway calls across all users.
	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerTimeout  time.Duration
}

type gatewayRequest struct {
	Token    string            `json:"token"`
	Platform string            `json:"platform,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

var (
	// errGone marks a token the gateway no longer recognises.
	errGone = errors.New("push token no longer registered")
	// errRejected marks a request the gateway will refuse on every retry.
	errRejected = errors.New("push rejected by gateway")
)

type Sender struct {
	tokens  repository.PushTokenRepository
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

func NewSender(cfg Config, tokens repository.PushTokenRepository) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSecond)
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &Sender{
		tokens:  tokens,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "push-gateway",
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errGone) || errors.Is(err, errRejected)
			},
		}),
	}
}

func (s *Sender) Channel() model.Channel { return model.ChannelPush }

// Send pushes to every registered token. One success is enough; tokens the
// gateway reports gone are returned for cleanup either way.
func (s *Sender) Send(ctx context.Context, msg channel.Message) channel.Result {
	tokens, err := s.tokens.ListByUser(ctx, msg.UserID)
	if err != nil {
		return channel.Transient(fmt.Errorf("list push tokens: %w", err))
	}
	if len(tokens) == 0 {
		return channel.Skipped(channel.ErrNoTarget)
	}

	var (
		sent     bool
		invalid  []string
		lastErr  error
		rejected error
	)
	for _, t := range tokens {
		err := s.sendOne(ctx, t, msg)
		switch {
		case err == nil:
			sent = true
		case errors.Is(err, errGone):
			invalid = append(invalid, t.Token)
		case errors.Is(err, errRejected):
			rejected = err
		default:
			lastErr = err
		}
	}

	switch {
	case sent:
		return channel.Result{Sent: true, InvalidTargets: invalid}
	case lastErr != nil:
		return channel.Result{Reason: channel.ReasonTransient, Err: lastErr, InvalidTargets: invalid}
	case rejected != nil:
		return channel.Result{Reason: channel.ReasonRejected, Err: rejected, InvalidTargets: invalid}
	default:
		return channel.InvalidTarget(errGone, invalid...)
	}
}

func (s *Sender) sendOne(ctx context.Context, t *model.PushToken, msg channel.Message) error {
	body, err := json.Marshal(gatewayRequest{
		Token:    t.Token,
		Platform: t.Platform,
		Title:    msg.Payload.Title,
		Body:     msg.Payload.Body,
		Data:     msg.Payload.Metadata,
	})
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	return s.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		}
		req.Header.Set("X-Notification-ID", msg.NotificationID)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("push gateway request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return errGone
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("push gateway returned %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
		default:
			return fmt.Errorf("push gateway returned %d", resp.StatusCode)
		}
	})
}
