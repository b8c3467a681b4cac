package store

import (
	"sort"
	"time"

	"kb-gateway-be/pkg/knowledge"
)

// Message is one conversation turn held in memory.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session represents the active conversation state in memory.
// The session service is the single writer; everything else reads.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// THE LOG (Completed turns, append-only)
	Messages []Message `json:"messages"`

	// THE WORKBENCH (State of the current query invocation)
	Response  string           `json:"response"`
	Seeds     []knowledge.Seed `json:"seeds"`
	Searching bool             `json:"searching"`

	// QueryID identifies the open invocation; empty when no query is
	// outstanding. The invocation that observed final stays recorded
	// in LastQueryID so stragglers can be told apart from new queries.
	QueryID     string `json:"query_id"`
	LastQueryID string `json:"last_query_id"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Touch bumps UpdatedAt, keeping it monotonically non-decreasing.
func (s *Session) Touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// AppendMessage adds one turn to the log and touches the session.
func (s *Session) AppendMessage(role, content string, now time.Time) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		CreatedAt: now,
	})
	s.Touch(now)
}

// Clone returns a deep copy detached from the store. Readers get
// clones; the live session is only ever touched under the session
// service's per-session lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		copy(c.Messages, s.Messages)
	}
	if s.Seeds != nil {
		c.Seeds = make([]knowledge.Seed, len(s.Seeds))
		copy(c.Seeds, s.Seeds)
	}
	return &c
}

// SortedSeeds returns the accumulated seeds in presentation order:
// ascending by the service-assigned Order, ties keeping arrival order.
func (s *Session) SortedSeeds() []knowledge.Seed {
	seeds := make([]knowledge.Seed, len(s.Seeds))
	copy(seeds, s.Seeds)
	sort.SliceStable(seeds, func(i, j int) bool {
		return seeds[i].Order < seeds[j].Order
	})
	return seeds
}

// HasSeed reports whether an exact (id, order) duplicate was already
// received for the current invocation.
func (s *Session) HasSeed(id string, order int) bool {
	for _, seed := range s.Seeds {
		if seed.ID == id && seed.Order == order {
			return true
		}
	}
	return false
}
