package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"kb-gateway-be/internal/constant"
	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/repository/memory"
	"kb-gateway-be/internal/repository/specification"
	"kb-gateway-be/internal/repository/unitofwork"
	"kb-gateway-be/pkg/apperror"
	"kb-gateway-be/pkg/events"
	"kb-gateway-be/pkg/knowledge"
	"kb-gateway-be/pkg/reducer"
	"kb-gateway-be/pkg/store"
)

// ISessionService owns all conversation sessions. Every mutation goes
// through the per-session exclusivity gate; no two queries may touch
// the same session's workbench concurrently.
type ISessionService interface {
	Create(ctx context.Context, name string) (*store.Session, error)
	Get(ctx context.Context, sessionId uuid.UUID) (*store.Session, error)
	List(ctx context.Context) []*store.Session
	AppendUserMessage(ctx context.Context, sessionId uuid.UUID, content string) (*store.Session, error)
	BeginQuery(ctx context.Context, sessionId uuid.UUID) (string, error)
	ApplyEvent(ctx context.Context, sessionId uuid.UUID, queryId string, env *knowledge.Envelope) (bool, error)
	EndQuery(ctx context.Context, sessionId uuid.UUID, queryId string, searching bool)
	Touch(ctx context.Context, sessionId uuid.UUID) error
	Delete(ctx context.Context, sessionId uuid.UUID) error
	GetHistory(ctx context.Context, sessionId uuid.UUID) ([]*entity.ConversationMessage, error)
}

type sessionService struct {
	sessionRepo *memory.SessionRepository
	uowFactory  unitofwork.RepositoryFactory // nil when no DB is configured
	publisher   IPublisherService
	reducer     *reducer.Manager
	logger      logger.ILogger

	// Per-key mutual exclusion. One mutex per live session; entries
	// are dropped when the session is deleted.
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewSessionService(
	sessionRepo *memory.SessionRepository,
	uowFactory unitofwork.RepositoryFactory,
	publisher IPublisherService,
	log logger.ILogger,
) ISessionService {
	return &sessionService{
		sessionRepo: sessionRepo,
		uowFactory:  uowFactory,
		publisher:   publisher,
		reducer:     reducer.NewManager(log),
		logger:      log,
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

func (ss *sessionService) lockFor(sessionId uuid.UUID) *sync.Mutex {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	l, ok := ss.locks[sessionId]
	if !ok {
		l = &sync.Mutex{}
		ss.locks[sessionId] = l
	}
	return l
}

func (ss *sessionService) dropLock(sessionId uuid.UUID) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.locks, sessionId)
}

func (ss *sessionService) notify(ctx context.Context, sessionId uuid.UUID, op string) {
	if err := ss.publisher.PublishEvent(ctx, constant.TopicSessionChanged, events.NewSessionChanged(sessionId.String(), op)); err != nil {
		ss.logger.Warn("SessionStore", "Failed to publish session change", map[string]interface{}{
			"session_id": sessionId,
			"op":         op,
			"error":      err.Error(),
		})
	}
}

func (ss *sessionService) Create(ctx context.Context, name string) (*store.Session, error) {
	if name == "" {
		name = constant.DefaultSessionName
	}

	now := time.Now()
	session := &store.Session{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []store.Message{},
	}
	ss.sessionRepo.Save(session)

	if ss.uowFactory != nil {
		uow := ss.uowFactory.NewUnitOfWork(ctx)
		record := &entity.ConversationSession{
			Id:        uuid.MustParse(session.ID),
			Name:      name,
			CreatedAt: now,
		}
		if err := uow.ConversationSessionRepository().Create(ctx, record); err != nil {
			ss.logger.Error("SessionStore", "Failed to persist session", map[string]interface{}{
				"session_id": session.ID,
				"error":      err.Error(),
			})
		}
	}

	ss.notify(ctx, uuid.MustParse(session.ID), "created")
	return session.Clone(), nil
}

// Get returns a detached snapshot. The live session stays private to
// the store so readers never observe a query mid-fold.
func (ss *sessionService) Get(ctx context.Context, sessionId uuid.UUID) (*store.Session, error) {
	lock := ss.lockFor(sessionId)
	lock.Lock()
	defer lock.Unlock()

	session, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		return nil, apperror.NotFound("session not found")
	}
	return session.Clone(), nil
}

func (ss *sessionService) List(ctx context.Context) []*store.Session {
	live := ss.sessionRepo.All()
	sessions := make([]*store.Session, 0, len(live))
	for _, session := range live {
		lock := ss.lockFor(uuid.MustParse(session.ID))
		lock.Lock()
		sessions = append(sessions, session.Clone())
		lock.Unlock()
	}
	return sessions
}

func (ss *sessionService) AppendUserMessage(ctx context.Context, sessionId uuid.UUID, content string) (*store.Session, error) {
	if content == "" {
		return nil, apperror.InvalidInput("message content is required")
	}

	lock := ss.lockFor(sessionId)
	lock.Lock()
	defer lock.Unlock()

	session, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		return nil, apperror.NotFound("session not found")
	}

	now := time.Now()
	session.AppendMessage(store.RoleUser, content, now)
	ss.sessionRepo.Save(session)

	ss.persistMessage(ctx, sessionId, store.RoleUser, content, nil, now)
	ss.notify(ctx, sessionId, "message_appended")
	return session.Clone(), nil
}

// BeginQuery opens an invocation: clears the workbench and claims the
// session. Exactly one invocation may be open per session.
func (ss *sessionService) BeginQuery(ctx context.Context, sessionId uuid.UUID) (string, error) {
	lock := ss.lockFor(sessionId)
	lock.Lock()
	defer lock.Unlock()

	session, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		return "", apperror.NotFound("session not found")
	}

	if session.QueryID != "" {
		// Existing state is left untouched.
		return "", apperror.AlreadyInProgress("a query is already open for this session")
	}

	queryId := uuid.New().String()
	session.QueryID = queryId
	session.Seeds = nil
	session.Response = ""
	session.Searching = true
	session.Touch(time.Now())
	ss.sessionRepo.Save(session)

	ss.notify(ctx, sessionId, "query_begun")
	return queryId, nil
}

// ApplyEvent folds one stream envelope into the session. Events for a
// deleted session are discarded, not errored; the producing stream is
// simply draining.
func (ss *sessionService) ApplyEvent(ctx context.Context, sessionId uuid.UUID, queryId string, env *knowledge.Envelope) (bool, error) {
	lock := ss.lockFor(sessionId)
	lock.Lock()
	defer lock.Unlock()

	session, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		ss.logger.Warn("SessionStore", "Discarding event for deleted session", map[string]interface{}{
			"session_id": sessionId,
			"tag":        env.Tag,
		})
		return false, nil
	}

	now := time.Now()
	applied, err := ss.reducer.Apply(session, queryId, env, now)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	ss.sessionRepo.Save(session)

	if env.Tag == knowledge.TagFinal {
		ss.persistMessage(ctx, sessionId, store.RoleAssistant, session.Response, session.SortedSeeds(), now)
	}

	ss.notify(ctx, sessionId, "event_applied")
	return true, nil
}

// EndQuery releases a claimed invocation without a final event, after
// cancellation or a stream timeout. searching controls the flag left
// behind: false for cancellation, true for timeout so callers can
// inspect and retry. Applied state is never rolled back.
func (ss *sessionService) EndQuery(ctx context.Context, sessionId uuid.UUID, queryId string, searching bool) {
	lock := ss.lockFor(sessionId)
	lock.Lock()
	defer lock.Unlock()

	session, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		return
	}
	if session.QueryID != queryId {
		return // final already landed, or a different invocation owns the session
	}

	session.LastQueryID = session.QueryID
	session.QueryID = ""
	session.Searching = searching
	session.Touch(time.Now())
	ss.sessionRepo.Save(session)

	ss.notify(ctx, sessionId, "query_ended")
}

func (ss *sessionService) Touch(ctx context.Context, sessionId uuid.UUID) error {
	lock := ss.lockFor(sessionId)
	lock.Lock()
	defer lock.Unlock()

	session, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		return apperror.NotFound("session not found")
	}
	session.Touch(time.Now())
	ss.sessionRepo.Save(session)
	return nil
}

func (ss *sessionService) Delete(ctx context.Context, sessionId uuid.UUID) error {
	lock := ss.lockFor(sessionId)
	lock.Lock()

	_, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		lock.Unlock()
		return apperror.NotFound("session not found")
	}

	ss.sessionRepo.Delete(sessionId.String())
	lock.Unlock()
	ss.dropLock(sessionId)

	if ss.uowFactory != nil {
		uow := ss.uowFactory.NewUnitOfWork(ctx)
		if err := uow.ConversationMessageRepository().DeleteBySessionId(ctx, sessionId); err != nil {
			ss.logger.Error("SessionStore", "Failed to delete persisted messages", map[string]interface{}{
				"session_id": sessionId,
				"error":      err.Error(),
			})
		}
		if err := uow.ConversationSessionRepository().Delete(ctx, sessionId); err != nil {
			ss.logger.Error("SessionStore", "Failed to delete persisted session", map[string]interface{}{
				"session_id": sessionId,
				"error":      err.Error(),
			})
		}
	}

	ss.notify(ctx, sessionId, "deleted")
	return nil
}

// GetHistory returns the durable message log when a database is
// configured, falling back to the in-memory log otherwise.
func (ss *sessionService) GetHistory(ctx context.Context, sessionId uuid.UUID) ([]*entity.ConversationMessage, error) {
	if ss.uowFactory != nil {
		uow := ss.uowFactory.NewUnitOfWork(ctx)
		return uow.ConversationMessageRepository().FindAll(ctx,
			specification.BySessionID{SessionID: sessionId},
			specification.OrderBy{Field: "created_at", Desc: false},
		)
	}

	session, found := ss.sessionRepo.Get(sessionId.String())
	if !found {
		return nil, apperror.NotFound("session not found")
	}
	history := make([]*entity.ConversationMessage, 0, len(session.Messages))
	for _, msg := range session.Messages {
		history = append(history, &entity.ConversationMessage{
			Id:        uuid.New(),
			SessionId: sessionId,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
	return history, nil
}

func (ss *sessionService) persistMessage(ctx context.Context, sessionId uuid.UUID, role, content string, seeds []knowledge.Seed, now time.Time) {
	if ss.uowFactory == nil {
		return
	}
	uow := ss.uowFactory.NewUnitOfWork(ctx)
	record := &entity.ConversationMessage{
		Id:        uuid.New(),
		SessionId: sessionId,
		Role:      role,
		Content:   content,
		Seeds:     seeds,
		CreatedAt: now,
	}
	if err := uow.ConversationMessageRepository().Create(ctx, record); err != nil {
		ss.logger.Error("SessionStore", "Failed to persist message", map[string]interface{}{
			"session_id": sessionId,
			"role":       role,
			"error":      err.Error(),
		})
	}
}
