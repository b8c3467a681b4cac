package memory

import (
	"github.com/patrickmn/go-cache"

	"kb-gateway-be/pkg/store"
)

// SessionRepository holds live conversation state. Entries never
// expire on their own; a session disappearing mid-query would break
// the single-writer contract, so removal is always explicit.
type SessionRepository struct {
	cache *cache.Cache
}

func NewSessionRepository() *SessionRepository {
	c := cache.New(cache.NoExpiration, 0)
	return &SessionRepository{
		cache: c,
	}
}

func (r *SessionRepository) Save(session *store.Session) {
	r.cache.Set(session.ID, session, cache.NoExpiration)
}

func (r *SessionRepository) Get(sessionID string) (*store.Session, bool) {
	if x, found := r.cache.Get(sessionID); found {
		return x.(*store.Session), true
	}
	return nil, false
}

func (r *SessionRepository) Delete(sessionID string) {
	r.cache.Delete(sessionID)
}

func (r *SessionRepository) All() []*store.Session {
	items := r.cache.Items()
	sessions := make([]*store.Session, 0, len(items))
	for _, item := range items {
		sessions = append(sessions, item.Object.(*store.Session))
	}
	return sessions
}
