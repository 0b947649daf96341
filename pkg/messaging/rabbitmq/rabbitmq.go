// Package rabbitmq implements messaging.Broker on a topic exchange. Each
// Subscribe call declares an exclusive auto-delete queue bound to the routing
// key, so every subscriber sees every message.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jwalitptl/notify/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Config struct {
	URL      string
	Exchange string
	Prefetch int
}

type Broker struct {
	conn     *amqp.Connection
	exchange string
	prefetch int
	logger   zerolog.Logger

	mu       sync.Mutex
	channels []*amqp.Channel
}

func NewBroker(cfg Config, logger zerolog.Logger) (messaging.Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Broker{conn: conn, exchange: cfg.Exchange, prefetch: prefetch, logger: logger}, nil
}

func (b *Broker) Publish(ctx context.Context, key string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	msgID := uuid.NewString()
	if env, ok := message.(messaging.Envelope); ok && env.Meta.ID != "" {
		msgID = env.Meta.ID
	}
	return ch.PublishWithContext(ctx, b.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msgID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (b *Broker) Subscribe(ctx context.Context, key string) (<-chan []byte, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, key, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}

	b.mu.Lock()
	b.channels = append(b.channels, ch)
	b.mu.Unlock()

	out := make(chan []byte, b.prefetch)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- d.Body:
					_ = d.Ack(false)
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	b.logger.Info().Str("exchange", b.exchange).Str("key", key).Msg("rabbitmq subscriber started")
	return out, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	for _, ch := range b.channels {
		_ = ch.Close()
	}
	b.channels = nil
	b.mu.Unlock()
	return b.conn.Close()
}
