package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-gateway-be/internal/config"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/repository/memory"
	"kb-gateway-be/internal/websocket"
	"kb-gateway-be/pkg/apperror"
	"kb-gateway-be/pkg/knowledge"
)

func newKnowledgeFixture(t *testing.T, upstream *httptest.Server, streamBudget time.Duration) (IKnowledgeService, ISessionService) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	publisher := NewPublisherService(pubSub)
	sessions := NewSessionService(memory.NewSessionRepository(), nil, publisher, logger.NewNopLogger())

	hub := websocket.NewHub(nil, logger.NewNopLogger())
	go hub.Run()

	cfg := config.KnowledgeConfig{
		BaseURL:      upstream.URL,
		DefaultModel: "kb-chat",
		StreamBudget: streamBudget,
	}
	svc := NewKnowledgeService(knowledge.NewStreamingClient(upstream.URL), sessions, hub, cfg, logger.NewNopLogger())
	return svc, sessions
}

func scriptedQueryServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req knowledge.QueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if !req.Stream {
			// Non-streamed: reply with a single final envelope.
			fmt.Fprint(w, `{"tag":"final","content":"once answer"}`)
			return
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
}

func waitForResponse(t *testing.T, sessions ISessionService, sessionId uuid.UUID) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		session, err := sessions.Get(context.Background(), sessionId)
		require.NoError(t, err)
		if session.QueryID == "" && session.Response != "" {
			return session.Response
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("query never concluded")
	return ""
}

func TestSubmitQueryFoldsStreamIntoSession(t *testing.T) {
	ts := scriptedQueryServer(t, []string{
		`{"tag":"searching","content":"started"}`,
		`{"tag":"seeds","content":[{"id":"s1","content":"evidence","order":1}]}`,
		`{"tag":"final","content":"streamed answer"}`,
	})
	defer ts.Close()

	svc, sessions := newKnowledgeFixture(t, ts, 2*time.Second)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "streaming")
	require.NoError(t, err)
	sessionId := uuid.MustParse(session.ID)

	queryId, err := svc.SubmitQuery(ctx, "tok-1", sessionId, QueryInput{
		Question: "what is out there?",
		KBList:   []string{"kb-main"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, queryId)

	response := waitForResponse(t, sessions, sessionId)
	assert.Equal(t, "streamed answer", response)

	got, err := sessions.Get(ctx, sessionId)
	require.NoError(t, err)
	assert.False(t, got.Searching)
	assert.Len(t, got.Seeds, 1)
	assert.Equal(t, queryId, got.LastQueryID)
	// user question + assistant answer
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "what is out there?", got.Messages[0].Content)
	assert.Equal(t, "streamed answer", got.Messages[1].Content)
}

func TestSubmitQueryValidation(t *testing.T) {
	ts := scriptedQueryServer(t, nil)
	defer ts.Close()

	svc, sessions := newKnowledgeFixture(t, ts, time.Second)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "validation")
	require.NoError(t, err)
	sessionId := uuid.MustParse(session.ID)

	_, err = svc.SubmitQuery(ctx, "", sessionId, QueryInput{Question: "q", KBList: []string{"kb"}})
	assert.True(t, apperror.Is(err, apperror.KindUnauthorized))

	_, err = svc.SubmitQuery(ctx, "tok-1", sessionId, QueryInput{KBList: []string{"kb"}})
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))

	_, err = svc.SubmitQuery(ctx, "tok-1", sessionId, QueryInput{Question: "q"})
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))

	// Nothing above may have claimed the session.
	got, err := sessions.Get(ctx, sessionId)
	require.NoError(t, err)
	assert.Empty(t, got.QueryID)
}

func TestSubmitQueryRejectsSecondInvocation(t *testing.T) {
	blocked := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"tag":"searching","content":"started"}`)
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer ts.Close()
	defer close(blocked)

	svc, sessions := newKnowledgeFixture(t, ts, 30*time.Second)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "busy")
	require.NoError(t, err)
	sessionId := uuid.MustParse(session.ID)

	input := QueryInput{Question: "q", KBList: []string{"kb"}}
	_, err = svc.SubmitQuery(ctx, "tok-1", sessionId, input)
	require.NoError(t, err)

	_, err = svc.SubmitQuery(ctx, "tok-1", sessionId, input)
	assert.True(t, apperror.Is(err, apperror.KindAlreadyInProgress))
}

func TestCancelQueryReleasesSession(t *testing.T) {
	blocked := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"tag":"searching","content":"started"}`)
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer ts.Close()
	defer close(blocked)

	svc, sessions := newKnowledgeFixture(t, ts, 30*time.Second)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "cancellable")
	require.NoError(t, err)
	sessionId := uuid.MustParse(session.ID)

	queryId, err := svc.SubmitQuery(ctx, "tok-1", sessionId, QueryInput{Question: "q", KBList: []string{"kb"}})
	require.NoError(t, err)

	require.NoError(t, svc.CancelQuery(ctx, sessionId))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := sessions.Get(ctx, sessionId)
		require.NoError(t, err)
		if got.QueryID == "" {
			assert.False(t, got.Searching)
			assert.Equal(t, queryId, got.LastQueryID)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cancellation never released the session")
}

func TestCancelQueryWithoutOpenInvocation(t *testing.T) {
	ts := scriptedQueryServer(t, nil)
	defer ts.Close()

	svc, sessions := newKnowledgeFixture(t, ts, time.Second)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "idle")
	require.NoError(t, err)

	err = svc.CancelQuery(ctx, uuid.MustParse(session.ID))
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestSubmitQueryStreamBudgetExhausted(t *testing.T) {
	blocked := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"tag":"searching","content":"started"}`)
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer ts.Close()
	defer close(blocked)

	svc, sessions := newKnowledgeFixture(t, ts, 100*time.Millisecond)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "slow-upstream")
	require.NoError(t, err)
	sessionId := uuid.MustParse(session.ID)

	queryId, err := svc.SubmitQuery(ctx, "tok-1", sessionId, QueryInput{Question: "q", KBList: []string{"kb"}})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := sessions.Get(ctx, sessionId)
		require.NoError(t, err)
		if got.QueryID == "" {
			// Timeout keeps the searching flag so the caller can see the
			// query never concluded.
			assert.True(t, got.Searching)
			assert.Equal(t, queryId, got.LastQueryID)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("budget exhaustion never released the session")
}

func TestSubmitQueryOnce(t *testing.T) {
	ts := scriptedQueryServer(t, nil)
	defer ts.Close()

	svc, sessions := newKnowledgeFixture(t, ts, 2*time.Second)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "one-shot")
	require.NoError(t, err)
	sessionId := uuid.MustParse(session.ID)

	got, err := svc.SubmitQueryOnce(ctx, "tok-1", sessionId, QueryInput{Question: "q", KBList: []string{"kb"}})
	require.NoError(t, err)
	assert.Equal(t, "once answer", got.Response)
	assert.Empty(t, got.QueryID)
	require.Len(t, got.Messages, 2)
}
