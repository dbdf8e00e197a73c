package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fabrica-io/fabrica/pkg/events"
)

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu       sync.RWMutex
	handlers map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		handlers:   make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) Publish(_ context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	if carrier, ok := event.(interface{ GetRunID() string }); ok {
		if runID := carrier.GetRunID(); runID != "" {
			msg.Metadata.Set(events.RunIDMetadataKey, runID)
		}
	}

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = handler
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			eb.mu.RLock()
			handler, exists := eb.handlers[eventType]
			eb.mu.RUnlock()

			if !exists {
				msg.Ack()

				continue
			}

			event := newEvent(eventType)
			if event == nil {
				msg.Nack()

				continue
			}

			if err := json.Unmarshal(msg.Payload, event); err != nil {
				msg.Nack()

				continue
			}

			if err := handler(ctx, event.(events.Event)); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	return eb.publisher.Close()
}

func newEvent(eventType events.EventType) any {
	switch eventType {
	case events.RunStartedEvent:
		return &events.RunStarted{}
	case events.RunFinishedEvent:
		return &events.RunFinished{}
	case events.RunFailedEvent:
		return &events.RunFailed{}
	case events.DryRunValidatedEvent:
		return &events.DryRunValidated{}
	case events.StageStartedEvent:
		return &events.StageStarted{}
	case events.StageRetryingEvent:
		return &events.StageRetrying{}
	case events.StageFallbackEvent:
		return &events.StageFallback{}
	case events.StageFinishedEvent:
		return &events.StageFinished{}
	case events.StageFailedEvent:
		return &events.StageFailed{}
	case events.StagePausedEvent:
		return &events.StagePaused{}
	case events.StageSkippedReusedEvent:
		return &events.StageSkippedReused{}
	default:
		return nil
	}
}
