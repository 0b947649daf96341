package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/messaging"
)

type EventProcessor interface {
	Process(ctx context.Context, ev *model.NotificationEvent) error
	CancelEntity(ctx context.Context, entityType, entityID string) (int, error)
}

// EntityRef identifies a removed domain object in an entity.deleted message.
type EntityRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

type envelope struct {
	Meta messaging.Meta  `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Intake consumes domain events published by other services.
type Intake struct {
	broker    messaging.Broker
	processor EventProcessor
	timeout   time.Duration
	logger    *logger.Logger
}

func NewIntake(broker messaging.Broker, processor EventProcessor, timeout time.Duration, logger *logger.Logger) *Intake {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Intake{broker: broker, processor: processor, timeout: timeout, logger: logger}
}

func (i *Intake) Start(ctx context.Context) error {
	i.logger.Info("Starting event intake", "topic", messaging.TopicEvents)
	return messaging.Listen(ctx, i.broker, messaging.TopicEvents, i.logger.Zerolog(), i.Handle)
}

// Handle processes one envelope. Events are processed synchronously so a slow
// pipeline pushes back on the broker instead of dropping work.
func (i *Intake) Handle(ctx context.Context, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	switch env.Meta.Type {
	case messaging.TypeEventEmitted:
		var ev model.NotificationEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("decode event %s: %w", env.Meta.ID, err)
		}
		if ev.ID == "" {
			ev.ID = env.Meta.ID
		}
		return i.processor.Process(ctx, &ev)
	case messaging.TypeEntityDeleted:
		var ref EntityRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return fmt.Errorf("decode entity %s: %w", env.Meta.ID, err)
		}
		n, err := i.processor.CancelEntity(ctx, ref.EntityType, ref.EntityID)
		if err != nil {
			return err
		}
		i.logger.Info("Cancelled pending notifications", "entity_type", ref.EntityType, "entity_id", ref.EntityID, "count", n)
		return nil
	default:
		i.logger.Warn("Ignoring message", "type", env.Meta.Type, "id", env.Meta.ID)
		return nil
	}
}
