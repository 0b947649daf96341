package messaging

import (
	"context"

	"github.com/rs/zerolog"
)

// Handler processes one raw message. Errors are logged and do not stop the
// subscription.
type Handler func(ctx context.Context, payload []byte) error

// Listen subscribes to topic and feeds every message to handler until ctx is
// done or the broker closes the stream.
func Listen(ctx context.Context, broker Broker, topic string, logger zerolog.Logger, handler Handler) error {
	msgChan, err := broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			if err := handler(ctx, msg); err != nil {
				logger.Error().Err(err).Str("topic", topic).Msg("message handler failed")
			}
		}
	}()

	return nil
}
