package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/stridefit/coachlink/internal/coachwire"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/services/store"
	"github.com/stridefit/coachlink/internal/services/stream"
	"github.com/stridefit/coachlink/internal/services/transport"
)

type fixture struct {
	registry *Service
	streams  *stream.Service
	store    *store.Service
	session  *transport.Session

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFixture(t *testing.T, drainTimeout time.Duration) *fixture {
	t.Helper()

	f := &fixture{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	f.streams = stream.NewService()
	f.store = store.NewService(f.streams)
	f.session = transport.NewSession(domain.KindChat,
		"ws"+strings.TrimPrefix(srv.URL, "http"), nil, transport.DefaultTimeouts)
	f.registry = NewService(f.session, f.streams, f.store, drainTimeout)
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	_, err := f.session.EnsureConnection(context.Background(), "c1")
	require.NoError(t, err)
}

func (f *fixture) push(t *testing.T, event coachwire.InboundEvent) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(event))
}

// pushSentinel sends a signal event and waits for it, proving every event
// written before it has already been dispatched.
func (f *fixture) pushSentinel(t *testing.T) {
	t.Helper()
	seen := make(chan struct{})
	var once sync.Once
	f.registry.SetSignalHook(func(signalType string, _ json.RawMessage) {
		if signalType == "sentinel" {
			once.Do(func() { close(seen) })
		}
	})
	f.push(t, coachwire.Signal("sentinel", nil))
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("sentinel signal never arrived")
	}
}

func TestRegisterForSameConversationProceedsImmediately(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.streams.Append("c1", "partial reply in flight")

	start := time.Now()
	require.NoError(t, f.registry.RegisterFor(context.Background(), "c1"))
	require.Less(t, time.Since(start), time.Second, "own open stream must not block rotation")
	require.Equal(t, "c1", f.registry.Current())
}

func TestRegisterForWaitsUntilOtherStreamDrains(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	f.streams.Append("c1", "still streaming")

	registered := make(chan error, 1)
	go func() {
		registered <- f.registry.RegisterFor(context.Background(), "c2")
	}()

	select {
	case err := <-registered:
		t.Fatalf("rotation finished before the stream drained: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	f.streams.Complete("c1")
	select {
	case err := <-registered:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("rotation never finished after the stream drained")
	}
	require.Equal(t, "c2", f.registry.Current())
}

func TestRegisterForProceedsAfterDrainTimeout(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	f.streams.Append("c1", "abandoned stream")

	start := time.Now()
	require.NoError(t, f.registry.RegisterFor(context.Background(), "c2"))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
	require.Equal(t, "c2", f.registry.Current())
}

func TestRegisterForHonoursContextCancellation(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	f.streams.Append("c1", "still streaming")

	ctx, cancel := context.WithCancel(context.Background())
	registered := make(chan error, 1)
	go func() {
		registered <- f.registry.RegisterFor(ctx, "c2")
	}()

	cancel()
	select {
	case err := <-registered:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("rotation did not observe cancellation")
	}
}

func TestHandlersRouteStreamIntoStore(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.registry.RegisterFor(context.Background(), "c1"))
	f.connect(t)

	var mu sync.Mutex
	var persisted []domain.Message
	f.registry.SetAssistantMessageHook(func(conversationID string, msg domain.Message) {
		mu.Lock()
		persisted = append(persisted, msg)
		mu.Unlock()
	})

	f.push(t, coachwire.Status("thinking"))
	f.push(t, coachwire.Chunk("Eat more "))
	f.push(t, coachwire.Chunk("protein."))

	require.Eventually(t, func() bool {
		view, ok := f.store.GetStreamingMessage("c1")
		return ok && view.Content == "Eat more protein."
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "thinking", f.store.GetStatus("c1"))

	f.push(t, coachwire.Complete())

	require.Eventually(t, func() bool {
		msgs := f.store.GetMessages("c1")
		return len(msgs) == 1 && msgs[0].Content == "Eat more protein."
	}, 2*time.Second, 10*time.Millisecond)

	_, open := f.store.GetStreamingMessage("c1")
	require.False(t, open, "buffer must be cleared after freezing")
	require.Empty(t, f.store.GetStatus("c1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, persisted, 1)
	require.Equal(t, domain.SenderAssistant, persisted[0].Sender)
}

func TestTerminatedEventFreezesPartialWithMarker(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.registry.RegisterFor(context.Background(), "c1"))
	f.connect(t)

	f.push(t, coachwire.Chunk("Start with a warm-up"))
	f.push(t, coachwire.Terminated("server timeout"))

	require.Eventually(t, func() bool {
		msgs := f.store.GetMessages("c1")
		return len(msgs) == 1 &&
			msgs[0].Content == "Start with a warm-up"+domain.CutOffMarker
	}, 2*time.Second, 10*time.Millisecond)
}

func TestErrorEventDiscardsBufferAndSurfacesError(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.registry.RegisterFor(context.Background(), "c1"))
	f.connect(t)

	f.push(t, coachwire.Chunk("half a reply"))
	require.Eventually(t, func() bool {
		_, ok := f.store.GetStreamingMessage("c1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	f.push(t, coachwire.Error("upstream unavailable"))

	require.Eventually(t, func() bool {
		return f.store.GetError("c1") == "upstream unavailable"
	}, 2*time.Second, 10*time.Millisecond)

	_, open := f.store.GetStreamingMessage("c1")
	require.False(t, open, "buffer must be discarded on error, not frozen")
	require.Empty(t, f.store.GetMessages("c1"))
}

func TestStaleHandlerDropsEvents(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registry.SetActiveSource(func() string { return "c2" })
	require.NoError(t, f.registry.RegisterFor(context.Background(), "c1"))
	f.connect(t)

	f.push(t, coachwire.Chunk("should never land"))
	f.pushSentinel(t)

	_, open := f.store.GetStreamingMessage("c1")
	require.False(t, open, "stale handler must not touch the store")
	require.Empty(t, f.store.GetMessages("c1"))
}

func TestRotationStopsDeliveryToPreviousConversation(t *testing.T) {
	f := newFixture(t, time.Second)

	active := "c1"
	var activeMu sync.Mutex
	f.registry.SetActiveSource(func() string {
		activeMu.Lock()
		defer activeMu.Unlock()
		return active
	})

	require.NoError(t, f.registry.RegisterFor(context.Background(), "c1"))
	f.connect(t)

	activeMu.Lock()
	active = "c2"
	activeMu.Unlock()
	require.NoError(t, f.registry.RegisterFor(context.Background(), "c2"))

	f.push(t, coachwire.Chunk("routed to the new conversation"))
	f.pushSentinel(t)

	_, oldOpen := f.store.GetStreamingMessage("c1")
	require.False(t, oldOpen, "old conversation must receive nothing after rotation")

	view, ok := f.store.GetStreamingMessage("c2")
	require.True(t, ok)
	require.Equal(t, "routed to the new conversation", view.Content)
}
