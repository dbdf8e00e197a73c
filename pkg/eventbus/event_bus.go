// Package eventbus publishes pipeline lifecycle events to in-process
// subscribers. The append-only event log file is the durable record; the bus
// is the live feed.
package eventbus

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/fabrica-io/fabrica/pkg/channels/gochannel"
	"github.com/fabrica-io/fabrica/pkg/events"
)

type EventHandler func(ctx context.Context, event events.Event) error

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}

// NewLocalEventBus wires the in-memory gochannel pub/sub into a bus. This is
// the only transport a single-process engine needs.
func NewLocalEventBus(logger *slog.Logger) *WatermillEventBus {
	pub, sub := gochannel.CreateChannel(watermill.NewSlogLogger(logger))

	return NewWatermillEventBus(pub, sub)
}
