package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/coachwire"
	"github.com/stridefit/coachlink/internal/domain"
)

// State is the connection lifecycle of a Session. It is owned exclusively by
// the Session; everything else reads it.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// DisconnectReason distinguishes "user closed this" from "network dropped
// this" for UI messaging.
type DisconnectReason string

const (
	DisconnectUser    DisconnectReason = "user"
	DisconnectNetwork DisconnectReason = "network"
	DisconnectIdle    DisconnectReason = "idle"
)

var (
	// ErrNotConnected is returned by SendMessage when no connection is
	// established. Callers are expected to EnsureConnection first.
	ErrNotConnected = errors.New("not connected to coach service")
	// ErrConnectionFailed wraps dial failures.
	ErrConnectionFailed = errors.New("connection to coach service failed")
	// ErrConnectionDropped wraps unexpected socket loss.
	ErrConnectionDropped = errors.New("connection to coach service dropped")
)

// TimeoutConfig holds the various timeout settings for the socket.
type TimeoutConfig struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// DefaultTimeouts provides sensible default timeout values
var DefaultTimeouts = TimeoutConfig{
	PongWait:   30 * time.Second,
	PingPeriod: 27 * time.Second, // (PongWait * 9) / 10
	WriteWait:  10 * time.Second,
}

// TokenSource mints the bearer token attached to the dial request. Nil means
// dial without credentials (tests, local emulator without auth).
type TokenSource func() (string, error)

// Session owns one physical socket connection of a given session kind and the
// typed event surface on top of it. EnsureConnection is idempotent: multiple
// callers converge on a single connection attempt, and there are never two
// live sockets for the same kind.
type Session struct {
	kind     domain.Kind
	url      string
	tokens   TokenSource
	timeouts TimeoutConfig
	dialer   *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	attempt chan struct{} // non-nil while a dial is in flight
	dialErr error
	reason  DisconnectReason
	gen     int // connection generation; stale read loops check it and bail

	handlersMu sync.RWMutex
	nextID     int
	onMessage  map[int]func(chunk string)
	onStatus   map[int]func(text string)
	onComplete map[int]func()
	onTerm     map[int]func(reason string)
	onError    map[int]func(err error)
	onSignal   map[int]func(signalType string, data json.RawMessage)
}

func NewSession(kind domain.Kind, wsURL string, tokens TokenSource, timeouts TimeoutConfig) *Session {
	s := &Session{
		kind:     kind,
		url:      wsURL,
		tokens:   tokens,
		timeouts: timeouts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
	s.resetHandlersLocked()
	return s
}

func (s *Session) resetHandlersLocked() {
	s.onMessage = make(map[int]func(string))
	s.onStatus = make(map[int]func(string))
	s.onComplete = make(map[int]func())
	s.onTerm = make(map[int]func(string))
	s.onError = make(map[int]func(error))
	s.onSignal = make(map[int]func(string, json.RawMessage))
}

// Kind returns the session kind this socket serves.
func (s *Session) Kind() domain.Kind {
	return s.kind
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastDisconnectReason returns why the last connection ended.
func (s *Session) LastDisconnectReason() DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// EnsureConnection converges on one live socket: already connected resolves
// immediately, an in-flight dial is awaited, otherwise a fresh dial starts.
// The returned bool reports whether a fresh socket was opened, which tells
// the caller that fresh listener bindings are required.
func (s *Session) EnsureConnection(ctx context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	for s.state == StateConnecting {
		wait := s.attempt
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		s.mu.Lock()
		if s.state == StateConnected {
			s.mu.Unlock()
			return false, nil
		}
		if s.dialErr != nil {
			err := s.dialErr
			s.mu.Unlock()
			return false, err
		}
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return false, nil
	}

	attempt := make(chan struct{})
	s.attempt = attempt
	s.state = StateConnecting
	s.dialErr = nil
	s.mu.Unlock()

	conn, err := s.dial(ctx, conversationID)

	s.mu.Lock()
	if s.attempt == attempt {
		s.attempt = nil
		defer close(attempt)
	}
	if err != nil {
		if s.state == StateConnecting {
			s.state = StateError
		}
		s.dialErr = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		err := s.dialErr
		s.mu.Unlock()
		log.Error().
			Err(err).
			Str("kind", string(s.kind)).
			Msg("Failed to open coach connection")
		return false, err
	}
	if s.state != StateConnecting {
		// Disconnected while the dial was in flight; drop the fresh socket.
		s.mu.Unlock()
		conn.Close()
		return false, ErrNotConnected
	}
	s.conn = conn
	s.state = StateConnected
	s.reason = ""
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	log.Info().
		Str("kind", string(s.kind)).
		Str("conversation_id", conversationID).
		Msg("Coach connection established")

	go s.readLoop(conn, gen)
	return true, nil
}

func (s *Session) dial(ctx context.Context, conversationID string) (*websocket.Conn, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid coach URL %s: %w", s.url, err)
	}
	q := u.Query()
	q.Set("kind", string(s.kind))
	if conversationID != "" {
		q.Set("conversation", conversationID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.tokens != nil {
		token, err := s.tokens()
		if err != nil {
			return nil, fmt.Errorf("failed to mint session token: %w", err)
		}
		header.Add("Authorization", "Bearer "+token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// SendMessage writes an outbound payload. It fails fast when no connection is
// established rather than queuing.
func (s *Session) SendMessage(payload coachwire.OutboundMessage) error {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.timeouts.WriteWait))
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}
	return nil
}

// Disconnect closes the socket and records why. A disconnect during an
// in-flight dial makes that dial's socket get dropped on arrival.
func (s *Session) Disconnect(reason DisconnectReason) {
	s.mu.Lock()
	s.reason = reason
	s.gen++
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)),
			time.Now().Add(s.timeouts.WriteWait))
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	log.Info().
		Str("kind", string(s.kind)).
		Str("reason", string(reason)).
		Msg("Coach connection closed")
}

func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	done := make(chan struct{})
	defer close(done)
	go s.keepalive(conn, done)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(gen, err)
			return
		}

		var event coachwire.InboundEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Warn().
				Err(err).
				Str("kind", string(s.kind)).
				Msg("Dropping malformed inbound event")
			continue
		}
		s.dispatch(event)
	}
}

func (s *Session) keepalive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.timeouts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.timeouts.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Session) handleReadError(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		// Superseded by Disconnect or a newer connection.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if clean {
		s.state = StateDisconnected
	} else {
		s.state = StateError
	}
	s.reason = DisconnectNetwork
	s.mu.Unlock()

	if clean {
		log.Info().
			Str("kind", string(s.kind)).
			Msg("Coach connection closed by remote")
		return
	}

	log.Error().
		Err(err).
		Str("kind", string(s.kind)).
		Msg("Coach connection dropped")
	s.dispatchError(fmt.Errorf("%w: %v", ErrConnectionDropped, err))
}

func (s *Session) dispatch(event coachwire.InboundEvent) {
	switch event.Type {
	case coachwire.EventChunk:
		for _, fn := range s.snapshotMessage() {
			fn(event.Content)
		}
	case coachwire.EventStatus:
		for _, fn := range s.snapshotStatus() {
			fn(event.Status)
		}
	case coachwire.EventComplete:
		for _, fn := range s.snapshotComplete() {
			fn()
		}
	case coachwire.EventTerminated:
		for _, fn := range s.snapshotTerm() {
			fn(event.Reason)
		}
	case coachwire.EventError:
		for _, fn := range s.snapshotError() {
			fn(errors.New(event.Message))
		}
	case coachwire.EventSignal:
		for _, fn := range s.snapshotSignal() {
			fn(event.Signal, event.Data)
		}
	default:
		log.Warn().
			Str("type", event.Type).
			Str("kind", string(s.kind)).
			Msg("Unknown inbound event type")
	}
}

func (s *Session) dispatchError(err error) {
	for _, fn := range s.snapshotError() {
		fn(err)
	}
}

// OnMessage registers a content chunk listener and returns its unsubscribe.
func (s *Session) OnMessage(fn func(chunk string)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onMessage[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onMessage, id)
	}
}

// OnStatus registers a progress text listener.
func (s *Session) OnStatus(fn func(text string)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onStatus[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onStatus, id)
	}
}

// OnComplete registers a stream completion listener.
func (s *Session) OnComplete(fn func()) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onComplete[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onComplete, id)
	}
}

// OnTerminated registers a server cut-off listener.
func (s *Session) OnTerminated(fn func(reason string)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onTerm[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onTerm, id)
	}
}

// OnError registers an error listener.
func (s *Session) OnError(fn func(err error)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onError[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onError, id)
	}
}

// OnSignal registers an out-of-band domain signal listener. Consumers
// pattern-match on the signal type, which keeps the socket API flat as
// features grow.
func (s *Session) OnSignal(fn func(signalType string, data json.RawMessage)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onSignal[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onSignal, id)
	}
}

// RemoveAllListeners detaches every registered handler. Used exclusively by
// the handler registry during rotation, never by arbitrary callers.
func (s *Session) RemoveAllListeners() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.resetHandlersLocked()
}

func (s *Session) snapshotMessage() []func(string) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]func(string), 0, len(s.onMessage))
	for _, fn := range s.onMessage {
		out = append(out, fn)
	}
	return out
}

func (s *Session) snapshotStatus() []func(string) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]func(string), 0, len(s.onStatus))
	for _, fn := range s.onStatus {
		out = append(out, fn)
	}
	return out
}

func (s *Session) snapshotComplete() []func() {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]func(), 0, len(s.onComplete))
	for _, fn := range s.onComplete {
		out = append(out, fn)
	}
	return out
}

func (s *Session) snapshotTerm() []func(string) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]func(string), 0, len(s.onTerm))
	for _, fn := range s.onTerm {
		out = append(out, fn)
	}
	return out
}

func (s *Session) snapshotError() []func(error) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]func(error), 0, len(s.onError))
	for _, fn := range s.onError {
		out = append(out, fn)
	}
	return out
}

func (s *Session) snapshotSignal() []func(string, json.RawMessage) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]func(string, json.RawMessage), 0, len(s.onSignal))
	for _, fn := range s.onSignal {
		out = append(out, fn)
	}
	return out
}
