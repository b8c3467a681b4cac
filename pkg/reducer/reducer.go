package reducer

import (
	"fmt"
	"time"

	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/pkg/knowledge"
	"kb-gateway-be/pkg/store"
)

// Manager folds tagged stream events into session state. It is
// stateless between events; the session being folded into is the only
// carried state, and the caller serializes invocations per session.
type Manager struct {
	logger logger.ILogger
}

// NewManager creates a new stream reducer
func NewManager(log logger.ILogger) *Manager {
	return &Manager{logger: log}
}

// Apply folds one envelope into the session. queryID names the
// invocation the envelope belongs to; events arriving after final, or
// for a stale invocation, are discarded and logged as protocol
// anomalies rather than raised as fatal errors. The returned bool
// reports whether the session was mutated.
func (m *Manager) Apply(session *store.Session, queryID string, env *knowledge.Envelope, now time.Time) (bool, error) {
	if session.QueryID != queryID {
		m.logger.Warn("Reducer", "Discarding event for closed or stale invocation", map[string]interface{}{
			"session_id": session.ID,
			"query_id":   queryID,
			"tag":        env.Tag,
		})
		return false, nil
	}

	switch env.Tag {
	case knowledge.TagSearching:
		// Heartbeat; idempotent.
		session.Searching = true
		session.Touch(now)
		return true, nil

	case knowledge.TagSeeds:
		seeds, err := env.Seeds()
		if err != nil {
			return false, err
		}
		applied := false
		for _, seed := range seeds {
			// An exact (id, order) duplicate is dropped; the same id
			// under a different order is a distinct evidence unit.
			if session.HasSeed(seed.ID, seed.Order) {
				m.logger.Warn("Reducer", "Dropping exact duplicate seed", map[string]interface{}{
					"session_id": session.ID,
					"seed_id":    seed.ID,
					"order":      seed.Order,
				})
				continue
			}
			session.Seeds = append(session.Seeds, seed)
			applied = true
		}
		if applied {
			session.Touch(now)
		}
		return applied, nil

	case knowledge.TagFinal:
		answer, err := env.Answer()
		if err != nil {
			return false, err
		}
		session.Response = answer
		session.Searching = false
		session.AppendMessage(store.RoleAssistant, answer, now)
		// Close the invocation; anything after this is a straggler.
		session.LastQueryID = session.QueryID
		session.QueryID = ""
		return true, nil

	default:
		return false, fmt.Errorf("unknown stream event tag %q", env.Tag)
	}
}
