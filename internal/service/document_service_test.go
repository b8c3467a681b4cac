package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-gateway-be/internal/config"
	"kb-gateway-be/internal/constant"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/repository/memory"
	"kb-gateway-be/pkg/apperror"
	"kb-gateway-be/pkg/knowledge"
)

// fakeIndexer imitates the knowledge service's document endpoints with
// a scripted status progression.
type fakeIndexer struct {
	mu       sync.Mutex
	statuses []string // returned by successive status calls; last repeats
	calls    int
	deleted  []string

	// uploadGate, when set, holds the upload endpoint open until the
	// channel is closed, pinning the local record in `uploading`.
	uploadGate chan struct{}
}

func (f *fakeIndexer) nextStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[f.calls]
	if f.calls < len(f.statuses)-1 {
		f.calls++
	}
	return status
}

func (f *fakeIndexer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/document", func(w http.ResponseWriter, r *http.Request) {
		if f.uploadGate != nil {
			<-f.uploadGate
		}
		r.ParseMultipartForm(1 << 20)
		fmt.Fprintf(w, `{"success":true,"document_id":%q,"message":"accepted"}`, r.FormValue("document_id"))
	})
	mux.HandleFunc("GET /v1/document/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		status := f.nextStatus()
		if status == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(knowledge.StatusSnapshot{
			ID:     r.PathValue("id"),
			Status: status,
		})
	})
	mux.HandleFunc("DELETE /v1/document/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		fmt.Fprint(w, `{"success":true,"message":"purged"}`)
	})
	return mux
}

func newTestDocumentService(t *testing.T, upstream *httptest.Server) (IDocumentService, IPublisherService) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	publisher := NewPublisherService(pubSub)
	cfg := config.KnowledgeConfig{
		BaseURL:             upstream.URL,
		PollInitialInterval: 5 * time.Millisecond,
		PollMaxInterval:     20 * time.Millisecond,
		PollBudget:          2 * time.Second,
		StreamBudget:        2 * time.Second,
	}
	svc := NewDocumentService(knowledge.NewClient(upstream.URL), memory.NewDocumentRepository(), nil, publisher, cfg, logger.NewNopLogger())
	return svc, publisher
}

func TestUploadReachesReadyAndAnnounces(t *testing.T) {
	indexer := &fakeIndexer{statuses: []string{"processing", "processing", "ready"}}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()

	svc, publisher := newTestDocumentService(t, ts)
	ctx := context.Background()

	lifecycle, err := publisher.Subscribe(ctx, constant.TopicDocumentLifecycle)
	require.NoError(t, err)

	document, err := svc.Upload(ctx, "tok-1", "report.pdf", []byte("pdf bytes"))
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusUploading, document.Status)

	// The background watcher announces the terminal status.
	select {
	case msg := <-lifecycle:
		var payload struct {
			Type string `json:"type"`
			Data struct {
				DocumentID string `json:"document_id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, constant.EventDocumentReady, payload.Type)
		assert.Equal(t, document.Id.String(), payload.Data.DocumentID)
		msg.Ack()
	case <-time.After(3 * time.Second):
		t.Fatal("no lifecycle event")
	}

	got, err := svc.PollStatus(ctx, "tok-1", document.Id)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusReady, got.Status)
}

func TestPollStatusUntrackedDocument(t *testing.T) {
	indexer := &fakeIndexer{statuses: []string{"ready"}}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()

	svc, _ := newTestDocumentService(t, ts)

	_, err := svc.PollStatus(context.Background(), "tok-1", uuid.New())
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestPollStatusToleratesNotFoundWhileUploading(t *testing.T) {
	// Upstream has never heard of the document and keeps 404ing, while
	// the payload transfer is held open so the record stays `uploading`.
	indexer := &fakeIndexer{statuses: []string{"missing"}, uploadGate: make(chan struct{})}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()
	defer close(indexer.uploadGate)

	svc, _ := newTestDocumentService(t, ts)
	ctx := context.Background()

	document, err := svc.Upload(ctx, "tok-1", "slow.txt", []byte("x"))
	require.NoError(t, err)

	got, err := svc.PollStatus(ctx, "tok-1", document.Id)
	require.NoError(t, err)
	assert.Equal(t, document.Id, got.Id)
	assert.Equal(t, knowledge.StatusUploading, got.Status)
}

func TestPollStatusToleratesNotFoundWhileProcessing(t *testing.T) {
	// The upload was accepted but the document is not yet visible on the
	// status endpoint. The local record stays authoritative until
	// upstream reports a terminal status.
	indexer := &fakeIndexer{statuses: []string{"missing"}}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()

	svc, _ := newTestDocumentService(t, ts)
	ctx := context.Background()

	document, err := svc.Upload(ctx, "tok-1", "eventual.txt", []byte("x"))
	require.NoError(t, err)
	waitForStatus(t, svc, document.Id, knowledge.StatusProcessing)

	got, err := svc.PollStatus(ctx, "tok-1", document.Id)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusProcessing, got.Status)
}

func TestPollStatusRejectsRegression(t *testing.T) {
	indexer := &fakeIndexer{statuses: []string{"ready", "processing"}}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()

	svc, _ := newTestDocumentService(t, ts)
	ctx := context.Background()

	document, err := svc.Upload(ctx, "tok-1", "doc.txt", []byte("x"))
	require.NoError(t, err)

	// First poll advances to ready.
	waitForStatus(t, svc, document.Id, knowledge.StatusReady)

	// Upstream then claims processing again; the local record must not
	// move backwards.
	_, err = svc.PollStatus(ctx, "tok-1", document.Id)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindInconsistentState))

	got, found := documentByID(svc, ctx, document.Id)
	require.True(t, found)
	assert.Equal(t, knowledge.StatusReady, got)
}

func TestDeleteIsBestEffortUpstream(t *testing.T) {
	indexer := &fakeIndexer{statuses: []string{"ready"}}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()

	svc, _ := newTestDocumentService(t, ts)
	ctx := context.Background()

	document, err := svc.Upload(ctx, "tok-1", "doc.txt", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "tok-1", document.Id))

	// Tracking is gone even before any upstream confirmation.
	_, err = svc.PollStatus(ctx, "tok-1", document.Id)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	assert.True(t, apperror.Is(svc.Delete(ctx, "tok-1", document.Id), apperror.KindNotFound))
}

func TestUploadValidation(t *testing.T) {
	indexer := &fakeIndexer{statuses: []string{"ready"}}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()

	svc, _ := newTestDocumentService(t, ts)
	ctx := context.Background()

	_, err := svc.Upload(ctx, "tok-1", "", []byte("x"))
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))

	_, err = svc.Upload(ctx, "tok-1", "empty.txt", nil)
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))
}

func TestWatchUntilTerminalTimesOut(t *testing.T) {
	indexer := &fakeIndexer{statuses: []string{"processing"}}
	ts := httptest.NewServer(indexer.handler())
	defer ts.Close()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	cfg := config.KnowledgeConfig{
		BaseURL:             ts.URL,
		PollInitialInterval: 5 * time.Millisecond,
		PollMaxInterval:     10 * time.Millisecond,
		PollBudget:          100 * time.Millisecond,
	}
	svc := NewDocumentService(knowledge.NewClient(ts.URL), memory.NewDocumentRepository(), nil, NewPublisherService(pubSub), cfg, logger.NewNopLogger())
	ctx := context.Background()

	document, err := svc.Upload(ctx, "tok-1", "stuck.txt", []byte("x"))
	require.NoError(t, err)

	_, err = svc.WatchUntilTerminal(ctx, "tok-1", document.Id)
	assert.True(t, apperror.Is(err, apperror.KindTimeout), "got %v", err)
}

func waitForStatus(t *testing.T, svc IDocumentService, id uuid.UUID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, found := documentByID(svc, context.Background(), id); found && got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document never reached %q", want)
}

func documentByID(svc IDocumentService, ctx context.Context, id uuid.UUID) (string, bool) {
	for _, document := range svc.List(ctx) {
		if document.Id == id {
			return document.Status, true
		}
	}
	return "", false
}
