package websocket

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"kb-gateway-be/internal/pkg/logger"
)

func newTestClient(hub *Hub, sessionID uuid.UUID, buffer int) *Client {
	return &Client{Hub: hub, SessionID: sessionID, Send: make(chan []byte, buffer)}
}

// waitClosed drains a client's Send channel until the hub closes it.
func waitClosed(t *testing.T, ch chan []byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Send was never closed")
		}
	}
}

func TestBackloggedWatcherIsDroppedNotPanicked(t *testing.T) {
	hub := NewHub(nil, logger.NewNopLogger())
	go hub.Run()

	sessionID := uuid.New()
	slow := newTestClient(hub, sessionID, 1)
	hub.register <- slow

	// The first frame fills the buffer, the second overflows it and
	// drops the watcher, the third finds the session empty.
	hub.SendQueryEvent(sessionID, "q1", "one")
	hub.SendQueryEvent(sessionID, "q1", "two")
	hub.SendQueryEvent(sessionID, "q1", "three")

	waitClosed(t, slow.Send)

	// The read pump of a dropped watcher still reports the disconnect;
	// that second unregister must find nothing left to tear down.
	hub.unregister <- slow
}

func TestTrySendAfterTeardownIsSilent(t *testing.T) {
	client := &Client{Send: make(chan []byte, 1)}
	client.closeSend()
	client.closeSend() // idempotent

	// A sender holding a stale client list drops the frame quietly.
	assert.True(t, client.trySend([]byte("late")))
	_, ok := <-client.Send
	assert.False(t, ok)
}

func TestBroadcastSurvivesBackloggedWatchers(t *testing.T) {
	hub := NewHub(nil, logger.NewNopLogger())
	go hub.Run()

	stuckA := newTestClient(hub, uuid.New(), 0)
	stuckB := newTestClient(hub, uuid.New(), 0)
	healthy := newTestClient(hub, uuid.New(), 4)
	hub.register <- stuckA
	hub.register <- stuckB
	hub.register <- healthy

	done := make(chan struct{})
	go func() {
		hub.Broadcast(map[string]string{"event": "DOCUMENT_READY"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast wedged on backlogged watchers")
	}

	waitClosed(t, stuckA.Send)
	waitClosed(t, stuckB.Send)

	select {
	case frame := <-healthy.Send:
		assert.NotEmpty(t, frame)
	case <-time.After(time.Second):
		t.Fatal("healthy watcher got no frame")
	}
}
