package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"kb-gateway-be/internal/config"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/websocket"
	"kb-gateway-be/pkg/apperror"
	"kb-gateway-be/pkg/knowledge"
	"kb-gateway-be/pkg/store"
)

// QueryInput carries everything a knowledge invocation needs beyond
// the session itself.
type QueryInput struct {
	Question    string
	KBList      []string
	Model       string
	Documents   []string
	Temperature *float64
	MaxTokens   *int
}

// IKnowledgeService orchestrates knowledge queries against a session:
// claim the session, run the upstream invocation, fold every tagged
// event into session state, and relay the events to live watchers.
type IKnowledgeService interface {
	SubmitQuery(ctx context.Context, token string, sessionId uuid.UUID, input QueryInput) (string, error)
	SubmitQueryOnce(ctx context.Context, token string, sessionId uuid.UUID, input QueryInput) (*store.Session, error)
	CancelQuery(ctx context.Context, sessionId uuid.UUID) error
}

type knowledgeService struct {
	client   *knowledge.Client
	sessions ISessionService
	hub      *websocket.Hub
	cfg      config.KnowledgeConfig
	logger   logger.ILogger

	// One cancel handle per open streaming invocation, keyed by
	// session. BeginQuery already guarantees at most one per session.
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewKnowledgeService(
	client *knowledge.Client,
	sessions ISessionService,
	hub *websocket.Hub,
	cfg config.KnowledgeConfig,
	log logger.ILogger,
) IKnowledgeService {
	return &knowledgeService{
		client:   client,
		sessions: sessions,
		hub:      hub,
		cfg:      cfg,
		logger:   log,
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

func (ks *knowledgeService) validate(token string, input QueryInput) error {
	if token == "" {
		return apperror.Unauthorized("bearer token is required")
	}
	if input.Question == "" {
		return apperror.InvalidInput("question is required")
	}
	if len(input.KBList) == 0 {
		return apperror.InvalidInput("at least one knowledge base is required")
	}
	return nil
}

// SubmitQuery opens a streaming invocation. It returns the query id as
// soon as the session is claimed; events arrive on the session's
// websocket watchers and are folded into session state as they come.
func (ks *knowledgeService) SubmitQuery(ctx context.Context, token string, sessionId uuid.UUID, input QueryInput) (string, error) {
	if err := ks.validate(token, input); err != nil {
		return "", err
	}

	queryId, err := ks.sessions.BeginQuery(ctx, sessionId)
	if err != nil {
		return "", err
	}

	session, err := ks.sessions.AppendUserMessage(ctx, sessionId, input.Question)
	if err != nil {
		ks.sessions.EndQuery(ctx, sessionId, queryId, false)
		return "", err
	}

	request := ks.buildRequest(token, session, input)

	streamCtx, cancel := context.WithTimeout(context.Background(), ks.cfg.StreamBudget)
	ks.storeCancel(sessionId, cancel)

	go ks.consumeStream(streamCtx, token, sessionId, queryId, request)

	return queryId, nil
}

// SubmitQueryOnce runs the invocation without streaming and folds the
// final answer in before returning. Useful for callers that do not
// hold a websocket open.
func (ks *knowledgeService) SubmitQueryOnce(ctx context.Context, token string, sessionId uuid.UUID, input QueryInput) (*store.Session, error) {
	if err := ks.validate(token, input); err != nil {
		return nil, err
	}

	queryId, err := ks.sessions.BeginQuery(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	session, err := ks.sessions.AppendUserMessage(ctx, sessionId, input.Question)
	if err != nil {
		ks.sessions.EndQuery(ctx, sessionId, queryId, false)
		return nil, err
	}

	request := ks.buildRequest(token, session, input)

	queryCtx, cancel := context.WithTimeout(ctx, ks.cfg.StreamBudget)
	defer cancel()

	answer, err := ks.client.QueryOnce(queryCtx, request)
	if err != nil {
		ks.sessions.EndQuery(ctx, sessionId, queryId, false)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperror.Timeout("knowledge query exceeded the stream budget", err)
		}
		return nil, err
	}

	env, err := finalEnvelope(answer)
	if err != nil {
		ks.sessions.EndQuery(ctx, sessionId, queryId, false)
		return nil, err
	}
	if _, err := ks.sessions.ApplyEvent(ctx, sessionId, queryId, env); err != nil {
		return nil, err
	}

	return ks.sessions.Get(ctx, sessionId)
}

// CancelQuery aborts the open streaming invocation for a session. The
// consuming goroutine observes the cancellation and releases the
// session with the searching flag cleared.
func (ks *knowledgeService) CancelQuery(ctx context.Context, sessionId uuid.UUID) error {
	ks.mu.Lock()
	cancel, found := ks.cancels[sessionId]
	ks.mu.Unlock()

	if !found {
		return apperror.NotFound("no open query for this session")
	}
	cancel()
	return nil
}

func (ks *knowledgeService) buildRequest(token string, session *store.Session, input QueryInput) *knowledge.QueryRequest {
	messages := make([]knowledge.Message, 0, len(session.Messages))
	for _, msg := range session.Messages {
		messages = append(messages, knowledge.Message{Role: msg.Role, Content: msg.Content})
	}

	model := input.Model
	if model == "" {
		model = ks.cfg.DefaultModel
	}

	return &knowledge.QueryRequest{
		Messages:    messages,
		Token:       token,
		Model:       model,
		KBList:      input.KBList,
		Documents:   input.Documents,
		Temperature: input.Temperature,
		MaxTokens:   input.MaxTokens,
	}
}

// consumeStream is the single consumer of one invocation's event
// stream. Every envelope is folded into session state first, then
// relayed to the session's watchers in the same order.
func (ks *knowledgeService) consumeStream(ctx context.Context, token string, sessionId uuid.UUID, queryId string, request *knowledge.QueryRequest) {
	defer ks.dropCancel(sessionId)

	stream, err := ks.client.Query(ctx, request)
	if err != nil {
		ks.logger.Error("KnowledgeService", "Failed to open query stream", map[string]interface{}{
			"session_id": sessionId,
			"query_id":   queryId,
			"error":      err.Error(),
		})
		ks.sessions.EndQuery(ctx, sessionId, queryId, false)
		ks.hub.SendNotification(sessionId, map[string]interface{}{
			"event":    "query_failed",
			"query_id": queryId,
			"error":    err.Error(),
		})
		return
	}
	defer stream.Close()

	sawFinal := false
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Out of budget. The session keeps its searching flag so
				// the caller can see the query never concluded and retry.
				ks.logger.Warn("KnowledgeService", "Query stream exceeded budget", map[string]interface{}{
					"session_id": sessionId,
					"query_id":   queryId,
				})
				ks.sessions.EndQuery(ctx, sessionId, queryId, true)
				ks.hub.SendNotification(sessionId, map[string]interface{}{
					"event":    "query_timeout",
					"query_id": queryId,
				})
				return
			}
			if errors.Is(err, context.Canceled) {
				ks.sessions.EndQuery(ctx, sessionId, queryId, false)
				ks.hub.SendNotification(sessionId, map[string]interface{}{
					"event":    "query_cancelled",
					"query_id": queryId,
				})
				return
			}
			ks.logger.Error("KnowledgeService", "Query stream broke mid-flight", map[string]interface{}{
				"session_id": sessionId,
				"query_id":   queryId,
				"error":      err.Error(),
			})
			ks.sessions.EndQuery(ctx, sessionId, queryId, false)
			ks.hub.SendNotification(sessionId, map[string]interface{}{
				"event":    "query_failed",
				"query_id": queryId,
				"error":    err.Error(),
			})
			return
		}

		applied, err := ks.sessions.ApplyEvent(ctx, sessionId, queryId, env)
		if err != nil {
			ks.logger.Error("KnowledgeService", "Failed to apply stream event", map[string]interface{}{
				"session_id": sessionId,
				"query_id":   queryId,
				"tag":        env.Tag,
				"error":      err.Error(),
			})
			continue
		}
		if !applied {
			continue
		}

		ks.hub.SendQueryEvent(sessionId, queryId, env)

		if env.Tag == knowledge.TagFinal {
			sawFinal = true
			break
		}
	}

	if !sawFinal {
		// Clean EOF without a final event; the invocation never
		// concluded. Release the session so a retry can claim it.
		ks.logger.Warn("KnowledgeService", "Query stream ended without a final event", map[string]interface{}{
			"session_id": sessionId,
			"query_id":   queryId,
		})
		ks.sessions.EndQuery(ctx, sessionId, queryId, false)
		ks.hub.SendNotification(sessionId, map[string]interface{}{
			"event":    "query_failed",
			"query_id": queryId,
			"error":    "stream ended without a final event",
		})
	}
}

func (ks *knowledgeService) storeCancel(sessionId uuid.UUID, cancel context.CancelFunc) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.cancels[sessionId] = cancel
}

func (ks *knowledgeService) dropCancel(sessionId uuid.UUID) {
	ks.mu.Lock()
	cancel, found := ks.cancels[sessionId]
	delete(ks.cancels, sessionId)
	ks.mu.Unlock()
	if found {
		cancel()
	}
}

// finalEnvelope wraps a plain answer string as a final event so the
// non-streaming path folds state exactly like the streaming one.
func finalEnvelope(answer string) (*knowledge.Envelope, error) {
	content, err := json.Marshal(answer)
	if err != nil {
		return nil, err
	}
	return &knowledge.Envelope{Tag: knowledge.TagFinal, Content: content}, nil
}
