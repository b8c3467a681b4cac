package service

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"kb-gateway-be/internal/constant"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/websocket"
)

// IConsumerService drains the in-process event bus and pushes each
// event to the relevant websocket watchers. Session changes go only to
// that session's watchers; document lifecycle events go to everyone.
type IConsumerService interface {
	Start(ctx context.Context) error
}

type consumerService struct {
	publisher IPublisherService
	hub       *websocket.Hub
	logger    logger.ILogger
}

func NewConsumerService(publisher IPublisherService, hub *websocket.Hub, log logger.ILogger) IConsumerService {
	return &consumerService{
		publisher: publisher,
		hub:       hub,
		logger:    log,
	}
}

func (cs *consumerService) Start(ctx context.Context) error {
	sessionMessages, err := cs.publisher.Subscribe(ctx, constant.TopicSessionChanged)
	if err != nil {
		return err
	}
	lifecycleMessages, err := cs.publisher.Subscribe(ctx, constant.TopicDocumentLifecycle)
	if err != nil {
		return err
	}

	go cs.consumeSessionChanges(sessionMessages)
	go cs.consumeLifecycle(lifecycleMessages)

	cs.logger.Info("ConsumerService", "Event consumers started", nil)
	return nil
}

func (cs *consumerService) consumeSessionChanges(messages <-chan *message.Message) {
	for msg := range messages {
		var payload struct {
			Type string `json:"type"`
			Data struct {
				SessionID string `json:"session_id"`
				Op        string `json:"op"`
			} `json:"data"`
			OccurredAt string `json:"occurred_at"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			cs.logger.Error("ConsumerService", "Malformed session change event", map[string]interface{}{"error": err.Error()})
			msg.Ack()
			continue
		}

		sessionId, err := uuid.Parse(payload.Data.SessionID)
		if err != nil {
			cs.logger.Error("ConsumerService", "Session change event with bad session id", map[string]interface{}{"session_id": payload.Data.SessionID})
			msg.Ack()
			continue
		}

		cs.hub.SendNotification(sessionId, map[string]interface{}{
			"event":       payload.Type,
			"op":          payload.Data.Op,
			"occurred_at": payload.OccurredAt,
		})
		msg.Ack()
	}
}

func (cs *consumerService) consumeLifecycle(messages <-chan *message.Message) {
	for msg := range messages {
		var payload struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			cs.logger.Error("ConsumerService", "Malformed lifecycle event", map[string]interface{}{"error": err.Error()})
			msg.Ack()
			continue
		}

		cs.hub.Broadcast(map[string]interface{}{
			"event":        payload.Type,
			"document_id":  payload.Data["document_id"],
			"name":         payload.Data["name"],
			"error_detail": payload.Data["error_detail"],
		})
		msg.Ack()
	}
}
