package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kb-gateway-be/internal/constant"
	"kb-gateway-be/internal/pkg/logger"
)

const clusterChannel = "kb_cluster_events"

// Hub fans stream events out to the clients watching a session.
// One session can have several watchers (multi-tab); sessions are
// independent of each other.
type Hub struct {
	// Registered clients map: SessionID -> List of Clients
	clients map[uuid.UUID][]*Client

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	// Redis connection for cross-instance relay. Optional; nil keeps
	// the hub process-local.
	rdb *redis.Client

	// instanceID lets the subscriber skip frames this hub published
	// itself; local delivery already happened.
	instanceID string

	logger logger.ILogger
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[uuid.UUID][]*Client),
		rdb:        rdb,
		instanceID: uuid.NewString(),
		logger:     log,
	}
}

func (h *Hub) Run() {
	if h.rdb != nil {
		go h.subscribeToRedis()
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.SessionID] = append(h.clients[client.SessionID], client)
			h.mu.Unlock()
			h.logger.Info("Hub", "Client registered", map[string]interface{}{"session_id": client.SessionID})

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.SessionID]; ok {
				for i, c := range clients {
					if c == client {
						h.clients[client.SessionID] = append(clients[:i], clients[i+1:]...)
						client.closeSend()
						break
					}
				}
				if len(h.clients[client.SessionID]) == 0 {
					delete(h.clients, client.SessionID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// SendQueryEvent pushes one tagged stream envelope to the session's
// watchers, preserving arrival order for each connection.
func (h *Hub) SendQueryEvent(sessionID uuid.UUID, queryID string, payload interface{}) {
	data, _ := json.Marshal(map[string]interface{}{
		"type":       constant.FrameTypeQueryEvent,
		"session_id": sessionID,
		"query_id":   queryID,
		"data":       payload,
	})
	h.sendToSession(sessionID, data)
	h.relayToCluster(sessionID.String(), data)
}

// SendNotification pushes a notification frame to one session's
// watchers only. Used for session-change announcements.
func (h *Hub) SendNotification(sessionID uuid.UUID, payload interface{}) {
	data, _ := json.Marshal(map[string]interface{}{
		"type":       constant.FrameTypeNotification,
		"session_id": sessionID,
		"data":       payload,
	})
	h.sendToSession(sessionID, data)
	h.relayToCluster(sessionID.String(), data)
}

// Broadcast sends a notification frame to ALL connected clients,
// regardless of session. Used for document lifecycle announcements.
func (h *Hub) Broadcast(payload interface{}) {
	data, _ := json.Marshal(map[string]interface{}{
		"type": constant.FrameTypeNotification,
		"data": payload,
	})

	h.deliver(h.allClients(), data)
	h.relayToCluster("*", data)
}

func (h *Hub) sendToSession(sessionID uuid.UUID, data []byte) {
	h.mu.RLock()
	clients := append([]*Client(nil), h.clients[sessionID]...)
	h.mu.RUnlock()

	h.deliver(clients, data)
}

func (h *Hub) allClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var all []*Client
	for _, clients := range h.clients {
		all = append(all, clients...)
	}
	return all
}

// deliver pushes one frame to each client, dropping clients whose Send
// buffer is full. Stale clients are handed to Run for teardown only
// after the hub lock is released; Run is the sole closer of Send, so a
// client backing up during a broadcast can neither panic the hub nor
// wedge it.
func (h *Hub) deliver(clients []*Client, data []byte) {
	var stale []*Client
	for _, client := range clients {
		if !client.trySend(data) {
			h.logger.Warn("Hub", "Client Send buffer full, dropping client", map[string]interface{}{"session_id": client.SessionID})
			stale = append(stale, client)
		}
	}
	for _, client := range stale {
		h.unregister <- client
	}
}

func (h *Hub) relayToCluster(target string, data []byte) {
	if h.rdb == nil {
		return
	}
	payload := map[string]interface{}{
		"origin":            h.instanceID,
		"target_session_id": target,
		"message":           json.RawMessage(data),
	}
	jsonPayload, _ := json.Marshal(payload)
	h.rdb.Publish(context.Background(), clusterChannel, jsonPayload)
}

// subscribeToRedis delivers frames published by sibling instances to
// locally connected watchers. "*" targets every client.
func (h *Hub) subscribeToRedis() {
	ctx := context.Background()
	pubsub := h.rdb.Subscribe(ctx, clusterChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for msg := range ch {
		var payload struct {
			Origin          string          `json:"origin"`
			TargetSessionID string          `json:"target_session_id"`
			Message         json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.Printf("Redis msg parse error: %v", err)
			continue
		}

		if payload.Origin == h.instanceID {
			continue
		}

		if payload.TargetSessionID == "*" {
			h.deliver(h.allClients(), payload.Message)
			continue
		}

		sid, err := uuid.Parse(payload.TargetSessionID)
		if err != nil {
			continue
		}
		h.sendToSession(sid, payload.Message)
	}
}
