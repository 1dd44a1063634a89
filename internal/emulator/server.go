package emulator

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/auth"
	"github.com/stridefit/coachlink/internal/coachwire"
	"github.com/stridefit/coachlink/pkg/httpext"
	"github.com/stridefit/coachlink/pkg/ratelimit"
)

// TimeoutConfig holds the websocket timeout settings for the emulator.
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

// Server is a local stand-in for the coach service: it accepts the session
// layer's websocket protocol and streams replies back, so the client side can
// be exercised end to end without the production backend.
type Server struct {
	timeouts    TimeoutConfig
	replies     ReplyEngine
	limiter     *ratelimit.Limiter
	requireAuth bool
	upgrader    websocket.Upgrader
}

func NewServer(replies ReplyEngine, requireAuth bool) *Server {
	return &Server{
		timeouts:    DefaultTimeouts,
		replies:     replies,
		limiter:     ratelimit.NewLimiter(1*time.Minute, 30),
		requireAuth: requireAuth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // local development tool
			},
		},
	}
}

// SetTimeouts temporarily changes the timeouts and returns a function to
// restore them. This is primarily used for testing.
func (s *Server) SetTimeouts(timeouts TimeoutConfig) func() {
	previous := s.timeouts
	s.timeouts = timeouts
	return func() {
		s.timeouts = previous
	}
}

// Router builds the emulator's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/healthz", s.HandleHealth).Methods("GET")
	r.HandleFunc("/oauth/token", s.HandleToken).Methods("POST")
	return r
}

// HandleHealth answers the network quality monitor's probes.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleToken issues an anonymous session token.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	token, err := auth.Mint("")
	if err != nil {
		httpext.JsonError(w, "failed to mint token", http.StatusInternalServerError)
		return
	}

	httpext.JsonOK(w, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}

	return parts[1]
}

// HandleWebSocket upgrades a session layer client and serves its messages.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.requireAuth {
		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := auth.Parse(tokenString); err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
	}

	kind := r.URL.Query().Get("kind")
	conversationID := r.URL.Query().Get("conversation")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Could not upgrade connection", http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	log.Info().
		Str("kind", kind).
		Str("conversation_id", conversationID).
		Str("remote", r.RemoteAddr).
		Msg("Client connected")

	conn.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
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
	}()

	limitKey := conversationID
	if limitKey == "" {
		limitKey = r.RemoteAddr
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
		var payload coachwire.OutboundMessage
		if err := conn.ReadJSON(&payload); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Client connection lost")
			}
			return
		}

		if !s.limiter.Allow(limitKey) {
			retry := s.limiter.RetryAfter(limitKey).Round(time.Second)
			s.writeEvent(conn, coachwire.Error(fmt.Sprintf("rate limit exceeded, retry in %s", retry)))
			continue
		}

		if err := s.serveMessage(r.Context(), conn, payload); err != nil {
			log.Warn().Err(err).Msg("Failed to serve message")
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, event coachwire.InboundEvent) error {
	conn.SetWriteDeadline(time.Now().Add(s.timeouts.WriteWait))
	return conn.WriteJSON(event)
}
