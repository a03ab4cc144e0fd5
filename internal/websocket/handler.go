package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"presencegate/internal/auth"
	"presencegate/internal/gateway"
	"presencegate/pkg/types"
)

// TokenVerifier is the admission gate. Implemented by auth.Verifier;
// declared here so handler tests can substitute a fake.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*types.Profile, error)
}

// HandlerConfig carries the transport tuning the handler needs.
type HandlerConfig struct {
	// AllowedOrigin restricts browser upgrades to one origin. Empty allows
	// all origins.
	AllowedOrigin string
	// AdmissionTimeout is the outer ceiling on the verification race. A
	// verifier result arriving after this deadline is discarded and the
	// connection is refused.
	AdmissionTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

// Handler authenticates upgrade requests and hands admitted connections to
// the presence gateway. Admission strictly precedes the upgrade: a rejected
// token is answered with HTTP 401 and no WebSocket session ever exists.
type Handler struct {
	gateway  *gateway.Gateway
	verifier TokenVerifier
	config   HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket handler.
func NewHandler(gw *gateway.Gateway, verifier TokenVerifier, cfg HandlerConfig) *Handler {
	h := &Handler{
		gateway:  gw,
		verifier: verifier,
		config:   cfg,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// checkOrigin admits requests without an Origin header (non-browser
// clients) and browser requests from the configured frontend origin.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.config.AllowedOrigin == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.TrimRight(origin, "/") == strings.TrimRight(h.config.AllowedOrigin, "/")
}

// bearerToken extracts the handshake credential from the upgrade request:
// the token query parameter first, then an Authorization bearer header.
func bearerToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// HandleWebSocket gates a connection attempt through the token verifier and,
// on success, upgrades it and admits it to the roster. Every failure path
// answers before the upgrade, so rejected attempts never consume a session.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		log.Printf("Admission refused: missing token (remote=%s)", r.RemoteAddr)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	// Race verification against the admission deadline. The verifier call is
	// bound to this context, so when the deadline fires first the in-flight
	// call is cancelled and its eventual result cannot admit a session.
	ctx, cancel := context.WithTimeout(r.Context(), h.config.AdmissionTimeout)
	defer cancel()

	profile, err := h.verifier.Verify(ctx, token)
	if err != nil {
		// Sub-reason stays server-side; the client only sees the refusal.
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			log.Printf("Admission refused: missing token (remote=%s)", r.RemoteAddr)
		case errors.Is(err, auth.ErrInvalidToken):
			log.Printf("Admission refused: invalid token (remote=%s)", r.RemoteAddr)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
			log.Printf("Admission refused: verification timed out (remote=%s)", r.RemoteAddr)
		default:
			log.Printf("Admission refused: verification failed (remote=%s): %v", r.RemoteAddr, err)
		}
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, *profile, h.config.BufferSize, h.config.WriteTimeout)

	if err := h.gateway.Admit(wsConn); err != nil {
		log.Printf("Failed to admit connection %s: %v", wsConn.ID(), err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and the transport heartbeat for one
// admitted connection. Transport failures and graceful closes end the pump
// identically: the connection leaves the roster through the normal
// disconnect path.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.gateway.Disconnect(conn.ID()); err != nil {
			log.Printf("Failed to queue disconnect for %s: %v", conn.ID(), err)
		}
		_ = conn.Close()
	}()

	// Transport heartbeat: the pong handler pushes the read deadline out, so
	// a peer that stops answering pings times out within one read window.
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.config.WriteTimeout)
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", conn.ID(), err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var envelope types.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Printf("Ignoring malformed message from %s: %v", conn.ID(), err)
			continue
		}

		if !types.IsClientMessageType(envelope.Type) {
			log.Printf("Ignoring unknown message type %q from %s", envelope.Type, conn.ID())
			continue
		}

		if err := h.gateway.HandleClientMessage(conn.ID(), envelope.Type); err != nil {
			log.Printf("Failed to queue %s from %s: %v", envelope.Type, conn.ID(), err)
			return
		}
	}
}
