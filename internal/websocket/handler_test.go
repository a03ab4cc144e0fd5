package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"presencegate/internal/auth"
	"presencegate/internal/gateway"
	"presencegate/pkg/types"
)

// stubVerifier resolves fixed tokens to fixed profiles, optionally delaying
// to simulate a slow auth backend. It honors context cancellation the same
// way the real verifier does.
type stubVerifier struct {
	profiles map[string]types.Profile
	delay    time.Duration
}

func (s *stubVerifier) Verify(ctx context.Context, token string) (*types.Profile, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	profile, ok := s.profiles[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	cp := profile
	return &cp, nil
}

func twoUserVerifier() *stubVerifier {
	return &stubVerifier{profiles: map[string]types.Profile{
		"alice-token": {ID: "u1", Name: "Alice", Email: "alice@example.com"},
		"bob-token":   {ID: "u2", Name: "Bob", Email: "bob@example.com"},
	}}
}

func testConfig() HandlerConfig {
	return HandlerConfig{
		AdmissionTimeout: 2 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
		BufferSize:       16,
	}
}

func newTestServer(t *testing.T, verifier TokenVerifier, cfg HandlerConfig) *httptest.Server {
	t.Helper()

	gw := gateway.NewGateway(nil)
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}
	t.Cleanup(func() { _ = gw.Stop() })

	handler := NewHandler(gw, verifier, cfg)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial with token %q: %v", token, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type connectedData struct {
	User        types.Profile   `json:"user"`
	OnlineUsers []types.Profile `json:"onlineUsers"`
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func readConnected(t *testing.T, conn *websocket.Conn) connectedData {
	t.Helper()
	msg := readWire(t, conn)
	if msg.Type != types.MessageTypeConnected {
		t.Fatalf("Expected connected handshake first, got %q", msg.Type)
	}
	var data connectedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode connected payload: %v", err)
	}
	return data
}

func readOnlineUsers(t *testing.T, conn *websocket.Conn) []types.Profile {
	t.Helper()
	msg := readWire(t, conn)
	if msg.Type != types.MessageTypeOnlineUsers {
		t.Fatalf("Expected online_users, got %q", msg.Type)
	}
	var profiles []types.Profile
	if err := json.Unmarshal(msg.Data, &profiles); err != nil {
		t.Fatalf("Failed to decode online_users payload: %v", err)
	}
	return profiles
}

func TestHandler_RefusesMissingToken(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for missing token, got %d", resp.StatusCode)
	}
}

func TestHandler_RefusesInvalidToken(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=forged"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake refusal for an invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 refusal, got %+v", resp)
	}
}

func TestHandler_AcceptsBearerHeader(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer alice-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Expected header-based admission to succeed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	data := readConnected(t, conn)
	if data.User.ID != "u1" {
		t.Errorf("Expected u1, got %s", data.User.ID)
	}
}

func TestHandler_ConnectedHandshake(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	conn := dial(t, server, "alice-token")
	data := readConnected(t, conn)

	if data.User.ID != "u1" || data.User.Name != "Alice" {
		t.Errorf("Handshake should carry the admitted user, got %+v", data.User)
	}
	if data.OnlineUsers == nil {
		t.Error("onlineUsers must encode as [], not null")
	}
	if len(data.OnlineUsers) != 0 {
		t.Errorf("First session must see an empty roster, got %v", data.OnlineUsers)
	}
}

func TestHandler_RosterBroadcastOnSecondJoin(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	alice := dial(t, server, "alice-token")
	_ = readConnected(t, alice)

	bob := dial(t, server, "bob-token")
	bobView := readConnected(t, bob)
	if len(bobView.OnlineUsers) != 1 || bobView.OnlineUsers[0].ID != "u1" {
		t.Errorf("Bob's handshake should list Alice, got %v", bobView.OnlineUsers)
	}

	aliceView := readOnlineUsers(t, alice)
	if len(aliceView) != 1 || aliceView[0].ID != "u2" {
		t.Errorf("Alice's broadcast should list Bob, got %v", aliceView)
	}
}

func TestHandler_PingPong(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	conn := dial(t, server, "alice-token")
	_ = readConnected(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": types.MessageTypePing}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	msg := readWire(t, conn)
	if msg.Type != types.MessageTypePong {
		t.Errorf("Expected pong, got %q", msg.Type)
	}
}

func TestHandler_GetOnlineUsersRefresh(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	alice := dial(t, server, "alice-token")
	_ = readConnected(t, alice)
	bob := dial(t, server, "bob-token")
	_ = readConnected(t, bob)
	_ = readOnlineUsers(t, alice) // admission broadcast

	if err := alice.WriteJSON(map[string]string{"type": types.MessageTypeGetOnlineUsers}); err != nil {
		t.Fatalf("Failed to request roster: %v", err)
	}
	view := readOnlineUsers(t, alice)
	if len(view) != 1 || view[0].ID != "u2" {
		t.Errorf("Refresh should list Bob, got %v", view)
	}
}

func TestHandler_IgnoresUnknownAndMalformedMessages(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	conn := dial(t, server, "alice-token")
	_ = readConnected(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to send garbage: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "take_over_roster"}); err != nil {
		t.Fatalf("Failed to send unknown type: %v", err)
	}

	// The connection must survive both; a ping still gets its pong.
	if err := conn.WriteJSON(map[string]string{"type": types.MessageTypePing}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	msg := readWire(t, conn)
	if msg.Type != types.MessageTypePong {
		t.Errorf("Expected pong after ignored messages, got %q", msg.Type)
	}
}

func TestHandler_AbruptDisconnectBroadcastsRemoval(t *testing.T) {
	server := newTestServer(t, twoUserVerifier(), testConfig())

	alice := dial(t, server, "alice-token")
	_ = readConnected(t, alice)
	bob := dial(t, server, "bob-token")
	_ = readConnected(t, bob)
	_ = readOnlineUsers(t, alice)

	// Kill Alice's socket without a close frame.
	_ = alice.UnderlyingConn().Close()

	view := readOnlineUsers(t, bob)
	if len(view) != 0 {
		t.Errorf("Bob should see an empty roster after Alice's abrupt drop, got %v", view)
	}
}

func TestHandler_AdmissionTimeoutDiscardsLateVerification(t *testing.T) {
	verifier := twoUserVerifier()
	verifier.delay = 300 * time.Millisecond

	cfg := testConfig()
	cfg.AdmissionTimeout = 50 * time.Millisecond
	server := newTestServer(t, verifier, cfg)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=alice-token"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected refusal when verification outlives the admission window")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 refusal, got %+v", resp)
	}

	// Even after the slow verification would have resolved, the rejected
	// attempt must not have admitted a session: a fresh client with an
	// instant verifier path sees an empty roster.
	time.Sleep(400 * time.Millisecond)
	verifier.delay = 0
	bob := dial(t, server, "bob-token")
	bobView := readConnected(t, bob)
	if len(bobView.OnlineUsers) != 0 {
		t.Errorf("Late verification must not resurrect a session, got %v", bobView.OnlineUsers)
	}
}

func TestHandler_RejectsDisallowedOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigin = "https://lms.example.com"
	server := newTestServer(t, twoUserVerifier(), cfg)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=alice-token"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected upgrade refusal for a foreign origin")
	}

	header = http.Header{"Origin": []string{"https://lms.example.com"}}
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Expected upgrade from the configured origin to succeed: %v", err)
	}
	_ = conn.Close()
}
