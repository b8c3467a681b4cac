package reducer

import (
	"encoding/json"
	"testing"
	"time"

	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/pkg/knowledge"
	"kb-gateway-be/pkg/store"
)

func newTestSession(queryID string) *store.Session {
	now := time.Now()
	return &store.Session{
		ID:        "11111111-1111-1111-1111-111111111111",
		Name:      "test",
		CreatedAt: now,
		UpdatedAt: now,
		QueryID:   queryID,
		Searching: queryID != "",
	}
}

func searchingEnvelope(t *testing.T) *knowledge.Envelope {
	t.Helper()
	return &knowledge.Envelope{Tag: knowledge.TagSearching, Content: json.RawMessage(`"started"`)}
}

func seedsEnvelope(t *testing.T, seeds []knowledge.Seed) *knowledge.Envelope {
	t.Helper()
	content, err := json.Marshal(seeds)
	if err != nil {
		t.Fatalf("marshal seeds: %v", err)
	}
	return &knowledge.Envelope{Tag: knowledge.TagSeeds, Content: content}
}

func finalEnvelope(t *testing.T, answer string) *knowledge.Envelope {
	t.Helper()
	content, err := json.Marshal(answer)
	if err != nil {
		t.Fatalf("marshal answer: %v", err)
	}
	return &knowledge.Envelope{Tag: knowledge.TagFinal, Content: content}
}

func TestApplyFullEventSequence(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("query-1")
	now := time.Now()

	applied, err := m.Apply(session, "query-1", searchingEnvelope(t), now)
	if err != nil || !applied {
		t.Fatalf("searching: applied=%v err=%v", applied, err)
	}
	if !session.Searching {
		t.Fatal("searching flag not set")
	}

	seeds := []knowledge.Seed{
		{ID: "s1", Content: "first", Order: 2},
		{ID: "s2", Content: "second", Order: 1},
	}
	applied, err = m.Apply(session, "query-1", seedsEnvelope(t, seeds), now)
	if err != nil || !applied {
		t.Fatalf("seeds: applied=%v err=%v", applied, err)
	}
	if len(session.Seeds) != 2 {
		t.Fatalf("want 2 seeds, got %d", len(session.Seeds))
	}

	applied, err = m.Apply(session, "query-1", finalEnvelope(t, "the answer"), now)
	if err != nil || !applied {
		t.Fatalf("final: applied=%v err=%v", applied, err)
	}
	if session.Response != "the answer" {
		t.Errorf("response = %q", session.Response)
	}
	if session.Searching {
		t.Error("searching flag still set after final")
	}
	if session.QueryID != "" {
		t.Errorf("query still open: %q", session.QueryID)
	}
	if session.LastQueryID != "query-1" {
		t.Errorf("last query id = %q", session.LastQueryID)
	}
	if len(session.Messages) != 1 || session.Messages[0].Role != store.RoleAssistant {
		t.Fatalf("assistant message not appended: %+v", session.Messages)
	}
	if session.Messages[0].Content != "the answer" {
		t.Errorf("assistant message content = %q", session.Messages[0].Content)
	}
}

func TestApplyStaleInvocationDiscarded(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("query-2")
	now := time.Now()

	// An envelope from an invocation that is no longer open must not
	// touch any state.
	applied, err := m.Apply(session, "query-1", finalEnvelope(t, "stale"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatal("stale event was applied")
	}
	if session.Response != "" || len(session.Messages) != 0 {
		t.Error("stale event mutated the session")
	}
	if session.QueryID != "query-2" {
		t.Errorf("open query changed: %q", session.QueryID)
	}
}

func TestApplySecondFinalIsNoOp(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("query-1")
	now := time.Now()

	applied, err := m.Apply(session, "query-1", finalEnvelope(t, "the answer"), now)
	if err != nil || !applied {
		t.Fatalf("first final: applied=%v err=%v", applied, err)
	}

	// A duplicate final for the same invocation arrives after the
	// invocation closed; response and log must stay exactly as they are.
	applied, err = m.Apply(session, "query-1", finalEnvelope(t, "a different answer"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatal("duplicate final was applied")
	}
	if session.Response != "the answer" {
		t.Errorf("response overwritten: %q", session.Response)
	}
	if len(session.Messages) != 1 {
		t.Errorf("message log grew: %d entries", len(session.Messages))
	}
	if session.LastQueryID != "query-1" || session.QueryID != "" {
		t.Errorf("invocation bookkeeping disturbed: last=%q open=%q", session.LastQueryID, session.QueryID)
	}
}

func TestApplyClosedSessionDiscarded(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("")
	now := time.Now()

	applied, err := m.Apply(session, "query-1", searchingEnvelope(t), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatal("event applied to a session with no open query")
	}
}

func TestApplySeedDeduplication(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("query-1")
	now := time.Now()

	first := []knowledge.Seed{
		{ID: "s1", Content: "alpha", Order: 1},
		{ID: "s2", Content: "beta", Order: 2},
	}
	if _, err := m.Apply(session, "query-1", seedsEnvelope(t, first), now); err != nil {
		t.Fatal(err)
	}

	// Same id+order is a duplicate; same id with a new order is not.
	second := []knowledge.Seed{
		{ID: "s1", Content: "alpha", Order: 1},
		{ID: "s1", Content: "alpha again", Order: 3},
		{ID: "s3", Content: "gamma", Order: 4},
	}
	if _, err := m.Apply(session, "query-1", seedsEnvelope(t, second), now); err != nil {
		t.Fatal(err)
	}

	if len(session.Seeds) != 4 {
		t.Fatalf("want 4 seeds after dedup, got %d", len(session.Seeds))
	}
}

func TestApplySeedsSortedByOrder(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("query-1")
	now := time.Now()

	seeds := []knowledge.Seed{
		{ID: "s1", Order: 3},
		{ID: "s2", Order: 1},
		{ID: "s3", Order: 2},
	}
	if _, err := m.Apply(session, "query-1", seedsEnvelope(t, seeds), now); err != nil {
		t.Fatal(err)
	}

	sorted := session.SortedSeeds()
	for i, want := range []string{"s2", "s3", "s1"} {
		if sorted[i].ID != want {
			t.Errorf("sorted[%d].ID = %q, want %q", i, sorted[i].ID, want)
		}
	}
}

func TestApplyUnknownTag(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("query-1")

	env := &knowledge.Envelope{Tag: "telemetry", Content: json.RawMessage(`{}`)}
	if _, err := m.Apply(session, "query-1", env, time.Now()); err == nil {
		t.Fatal("unknown tag accepted")
	}
}

func TestApplySearchingIdempotent(t *testing.T) {
	m := NewManager(logger.NewNopLogger())
	session := newTestSession("query-1")
	now := time.Now()

	for i := 0; i < 3; i++ {
		applied, err := m.Apply(session, "query-1", searchingEnvelope(t), now)
		if err != nil || !applied {
			t.Fatalf("iteration %d: applied=%v err=%v", i, applied, err)
		}
	}
	if !session.Searching {
		t.Fatal("searching flag not set")
	}
}
