package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stridefit/coachlink/internal/auth"
	"github.com/stridefit/coachlink/internal/config"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/emulator"
	"github.com/stridefit/coachlink/internal/services/persistence"
	"github.com/stridefit/coachlink/internal/services/registry"
	"github.com/stridefit/coachlink/internal/services/store"
	"github.com/stridefit/coachlink/internal/services/stream"
	"github.com/stridefit/coachlink/internal/services/transport"
)

func testConfig() KindConfig {
	return KindConfig{
		Kind:       domain.KindChat,
		ConfigName: "coach_chat",
		Greeting:   "Hey, I'm your coach. What are we working on today?",
	}
}

type harness struct {
	controller *Controller
	persist    *persistence.Service
	session    *transport.Session
}

func newHarness(t *testing.T, cfg KindConfig, engine emulator.ReplyEngine, tokens transport.TokenSource) *harness {
	t.Helper()

	server := emulator.NewServer(engine, tokens != nil)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	streams := stream.NewService()
	st := store.NewService(streams)
	sess := transport.NewSession(cfg.Kind,
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", tokens, transport.DefaultTimeouts)
	reg := registry.NewService(sess, streams, st, time.Second)
	persist := persistence.NewServiceWithStore(persistence.NewMemoryStore())

	h := &harness{
		controller: NewController(cfg, sess, reg, st, persist),
		persist:    persist,
		session:    sess,
	}
	t.Cleanup(h.controller.Close)
	return h
}

func newChatHarness(t *testing.T) *harness {
	return newHarness(t, testConfig(), &emulator.CannedEngine{}, nil)
}

func TestConnectCreatesConversationWithSeededGreeting(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller

	require.NoError(t, c.Connect(context.Background()))

	convID := c.ActiveConversation()
	require.NotEmpty(t, convID)

	msgs := c.Store().GetMessages(convID)
	require.Len(t, msgs, 1, "greeting is visible before any socket chunk")
	assert.Equal(t, domain.SenderAssistant, msgs[0].Sender)
	assert.Equal(t, testConfig().Greeting, msgs[0].Content)
	assert.Equal(t, 1, msgs[0].Sequence)
	assert.False(t, msgs[0].IsTemp(), "seeded greeting carries a durable id")

	conv, err := h.persist.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, "coach_chat", conv.ConfigName)
}

func TestConnectTwiceIsNoOp(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, convID, c.ActiveConversation())
	assert.Len(t, c.Store().GetMessages(convID), 1, "no second conversation or greeting")
}

func TestSendMessageOptimisticAppendThenDurableReply(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()

	require.NoError(t, c.SendMessage(ctx, "how do I squat?"))

	msgs := c.Store().GetMessages(convID)
	require.Len(t, msgs, 2, "user message appears before any reply")
	assert.Equal(t, domain.SenderUser, msgs[1].Sender)
	assert.Equal(t, "how do I squat?", msgs[1].Content)
	assert.Equal(t, 2, msgs[1].Sequence)

	require.Eventually(t, func() bool {
		msgs := c.Store().GetMessages(convID)
		return len(msgs) == 3 && msgs[2].Sender == domain.SenderAssistant
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, c.Store().GetMessages(convID)[2].Content, "how do I squat?")

	// The optimistic temp id is swapped for the persistence-assigned one.
	require.Eventually(t, func() bool {
		return !c.Store().GetMessages(convID)[1].IsTemp()
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		durable, err := h.persist.GetConversationMessages(context.Background(), convID)
		return err == nil && len(durable) == 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSendMessageWithoutConnect(t *testing.T) {
	h := newChatHarness(t)

	err := h.controller.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestReconnectResumesConversationWithoutDuplicateGreeting(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()
	c.Disconnect()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, convID, c.ActiveConversation(), "reconnect resumes, never recreates")

	// The replayed greeting trigger resolves without a new message because
	// the conversation already has history.
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, c.Store().GetMessages(convID), 1)
}

func TestConnectWithPendingSeedsAndSendsUserMessage(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.ConnectWithPending(ctx, "I want to gain muscle"))
	convID := c.ActiveConversation()

	msgs := c.Store().GetMessages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderAssistant, msgs[0].Sender)
	assert.Equal(t, domain.SenderUser, msgs[1].Sender)
	assert.Equal(t, "I want to gain muscle", msgs[1].Content)
	assert.False(t, msgs[1].IsTemp(), "pending message is seeded durably at creation")

	require.Eventually(t, func() bool {
		msgs := c.Store().GetMessages(convID)
		return len(msgs) == 3 && msgs[2].Sender == domain.SenderAssistant
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAttachConversationResumesIt(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	convID, err := h.persist.CreateConversationWithMessages(ctx, "coach_chat", []persistence.SaveMessageParams{
		{Sender: domain.SenderAssistant, Content: "Welcome back!"},
		{Sender: domain.SenderUser, Content: "Thanks"},
	})
	require.NoError(t, err)

	c.AttachConversation(convID)
	require.NoError(t, c.Connect(ctx))

	assert.Equal(t, convID, c.ActiveConversation())
	msgs := c.Store().GetMessages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Welcome back!", msgs[0].Content)
}

func TestDisconnectDiscardsStreamInProgress(t *testing.T) {
	h := newHarness(t, testConfig(), &emulator.CannedEngine{ChunkDelay: 80 * time.Millisecond}, nil)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()
	require.NoError(t, c.SendMessage(ctx, "tell me everything"))

	require.Eventually(t, func() bool {
		_, open := c.Store().GetStreamingMessage(convID)
		return open
	}, 3*time.Second, 10*time.Millisecond)

	c.Disconnect()
	time.Sleep(300 * time.Millisecond)

	msgs := c.Store().GetMessages(convID)
	assert.Len(t, msgs, 2, "a user disconnect never freezes a partial reply")
	for _, msg := range msgs {
		assert.NotContains(t, msg.Content, domain.CutOffMarker)
	}
}

func TestTerminatedReplyFreezesPartialWithMarker(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()
	require.NoError(t, c.SendMessage(ctx, "/terminate"))

	require.Eventually(t, func() bool {
		msgs := c.Store().GetMessages(convID)
		last := msgs[len(msgs)-1]
		return last.Sender == domain.SenderAssistant &&
			strings.HasSuffix(last.Content, domain.CutOffMarker)
	}, 3*time.Second, 10*time.Millisecond)

	_, open := c.Store().GetStreamingMessage(convID)
	assert.False(t, open)
}

func TestTerminatedWithoutContentProducesNoMessage(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()
	require.NoError(t, c.SendMessage(ctx, "/silent-terminate"))

	time.Sleep(300 * time.Millisecond)
	msgs := c.Store().GetMessages(convID)
	assert.Len(t, msgs, 2, "an empty cut-off leaves only greeting and user message")
}

func TestServerErrorSurfacesWithoutPartialMessage(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()
	require.NoError(t, c.SendMessage(ctx, "/error"))

	require.Eventually(t, func() bool {
		return c.Store().GetError(convID) == "scripted failure"
	}, 3*time.Second, 10*time.Millisecond)

	msgs := c.Store().GetMessages(convID)
	assert.Len(t, msgs, 2, "errors never freeze a partial assistant message")
}

func TestSignalRoutedToApplicationHandler(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	var mu sync.Mutex
	var gotType string
	var gotData json.RawMessage
	c.SetSignalHandler(func(signalType string, data json.RawMessage) {
		mu.Lock()
		gotType = signalType
		gotData = data
		mu.Unlock()
	})

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.SendMessage(ctx, "/signal workout-template-approved"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotType == "workout-template-approved" && len(gotData) > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestIdleSweepEndsSession(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond

	h := newHarness(t, cfg, &emulator.CannedEngine{}, nil)
	c := h.controller

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return h.session.State() == transport.StateDisconnected &&
			h.session.LastDisconnectReason() == transport.DisconnectIdle
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnectWithAuthTokenSource(t *testing.T) {
	restore := config.SetJWTSecret([]byte("session-test-secret"))
	defer restore()

	tokens := func() (string, error) { return auth.Mint("user-1") }
	h := newHarness(t, testConfig(), &emulator.CannedEngine{}, tokens)
	c := h.controller

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, transport.StateConnected, h.session.State())
}

func TestSendMessageHealsDroppedSocket(t *testing.T) {
	h := newChatHarness(t)
	c := h.controller
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	convID := c.ActiveConversation()

	h.session.Disconnect(transport.DisconnectNetwork)

	require.NoError(t, c.SendMessage(ctx, "still there?"))

	require.Eventually(t, func() bool {
		msgs := c.Store().GetMessages(convID)
		return len(msgs) == 3 && msgs[2].Sender == domain.SenderAssistant
	}, 3*time.Second, 10*time.Millisecond)
}
