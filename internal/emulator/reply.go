package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"
	"github.com/stridefit/coachlink/internal/coachwire"
	"github.com/stridefit/coachlink/internal/domain"
)

// ReplyEngine produces the assistant's reply as a stream of chunks.
type ReplyEngine interface {
	StreamReply(ctx context.Context, payload coachwire.OutboundMessage, emit func(chunk string) error) error
}

// serveMessage turns one inbound payload into a streamed reply. A few scripted
// prefixes force failure paths so client behavior around termination and
// errors can be exercised by hand and in tests.
func (s *Server) serveMessage(ctx context.Context, conn *websocket.Conn, payload coachwire.OutboundMessage) error {
	switch {
	case payload.Message == coachwire.GreetingTrigger:
		if len(payload.ConversationHistory) > 0 {
			// Known conversation; nothing new to say.
			return s.writeEvent(conn, coachwire.Complete())
		}
		return s.stream(conn, "Good to see you. Ready when you are.")

	case strings.HasPrefix(payload.Message, "/terminate"):
		if err := s.writeEvent(conn, coachwire.Chunk("Here is the start of a reply that ")); err != nil {
			return err
		}
		return s.writeEvent(conn, coachwire.Terminated("scripted"))

	case strings.HasPrefix(payload.Message, "/silent-terminate"):
		return s.writeEvent(conn, coachwire.Terminated("scripted"))

	case strings.HasPrefix(payload.Message, "/error"):
		return s.writeEvent(conn, coachwire.Error("scripted failure"))

	case strings.HasPrefix(payload.Message, "/signal "):
		name := strings.TrimPrefix(payload.Message, "/signal ")
		data, _ := json.Marshal(map[string]string{"source": "emulator"})
		if err := s.writeEvent(conn, coachwire.Signal(name, data)); err != nil {
			return err
		}
		return s.writeEvent(conn, coachwire.Complete())
	}

	if err := s.writeEvent(conn, coachwire.Status("thinking…")); err != nil {
		return err
	}

	emit := func(chunk string) error {
		return s.writeEvent(conn, coachwire.Chunk(chunk))
	}
	if err := s.replies.StreamReply(ctx, payload, emit); err != nil {
		return s.writeEvent(conn, coachwire.Error(err.Error()))
	}
	return s.writeEvent(conn, coachwire.Complete())
}

func (s *Server) stream(conn *websocket.Conn, text string) error {
	for _, word := range strings.Fields(text) {
		if err := s.writeEvent(conn, coachwire.Chunk(word+" ")); err != nil {
			return err
		}
	}
	return s.writeEvent(conn, coachwire.Complete())
}

// CannedEngine echoes scripted coaching replies word by word, with a small
// delay so streaming behavior is visible in the client.
type CannedEngine struct {
	ChunkDelay time.Duration
}

func (e *CannedEngine) StreamReply(ctx context.Context, payload coachwire.OutboundMessage, emit func(chunk string) error) error {
	reply := fmt.Sprintf("You said %q. Noted - let's keep the momentum going.", payload.Message)
	for _, word := range strings.Fields(reply) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := emit(word + " "); err != nil {
			return err
		}
		if e.ChunkDelay > 0 {
			time.Sleep(e.ChunkDelay)
		}
	}
	return nil
}

const coachSystemPrompt = "You are a concise, encouraging fitness coach. " +
	"Keep replies short and practical."

// OpenAIEngine streams replies from a chat completion model, forwarding each
// delta as a chunk.
type OpenAIEngine struct {
	client *openai.Client
}

func NewOpenAIEngine(apiKey string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI key is required")
	}
	return &OpenAIEngine{client: openai.NewClient(apiKey)}, nil
}

func (e *OpenAIEngine) StreamReply(ctx context.Context, payload coachwire.OutboundMessage, emit func(chunk string) error) error {
	messages := make([]openai.ChatCompletionMessage, 0, len(payload.ConversationHistory)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: coachSystemPrompt,
	})
	for _, msg := range payload.ConversationHistory {
		role := openai.ChatMessageRoleUser
		if msg.Sender == domain.SenderAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: payload.Message,
	})

	stream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    openai.GPT4oMini,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to start completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("completion stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := emit(delta); err != nil {
				return err
			}
		}
	}
}
