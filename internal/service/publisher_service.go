package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"kb-gateway-be/pkg/events"
)

// IPublisherService is the store's observer contract: components
// register interest with Subscribe and receive every event published
// on a topic, scoped to this process.
type IPublisherService interface {
	PublishEvent(ctx context.Context, topic string, event events.Event) error
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

type publisherService struct {
	pubSub *gochannel.GoChannel
}

func NewPublisherService(pubSub *gochannel.GoChannel) IPublisherService {
	return &publisherService{
		pubSub: pubSub,
	}
}

// eventPayload is the wire form carried on the bus.
type eventPayload struct {
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"data"`
	OccurredAt string                 `json:"occurred_at"`
}

func (ps *publisherService) PublishEvent(ctx context.Context, topic string, event events.Event) error {
	data, err := json.Marshal(eventPayload{
		Type:       event.EventType(),
		Data:       event.Payload(),
		OccurredAt: event.Timestamp().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return ps.pubSub.Publish(topic, msg)
}

func (ps *publisherService) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return ps.pubSub.Subscribe(ctx, topic)
}
