package types

import (
	"encoding/json"
	"time"
)

// Message type constants for the gateway wire protocol.
// Every frame exchanged over a gateway connection is a JSON object with a
// "type" field holding one of these values.
const (
	MessageTypeConnected      = "connected"
	MessageTypeOnlineUsers    = "online_users"
	MessageTypeGetOnlineUsers = "get_online_users"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
)

// Profile is the wire representation of an authenticated user, snapshotted
// at admission time from the auth backend's /me response. Picture, Role and
// UserType are nullable on the wire.
type Profile struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	Picture  *string `json:"picture"`
	Role     *string `json:"role"`
	UserType *string `json:"user_type"`
}

// Session is the server-side record of one authenticated, live connection.
// The profile is a snapshot taken at admission and is never refreshed for
// the life of the connection; a user who changes their name mid-session
// keeps the stale snapshot until they reconnect.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	Profile      Profile   `json:"profile"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Envelope is the inbound framing for client messages. Data is kept raw
// because the current client message types carry no payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the outbound framing for messages pushed to clients.
type ServerMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ConnectedPayload is the handshake payload sent to a newly admitted
// session: its own view of itself plus the current roster excluding itself.
type ConnectedPayload struct {
	User        Profile   `json:"user"`
	OnlineUsers []Profile `json:"onlineUsers"`
}

// IsClientMessageType reports whether a message type is one a client is
// allowed to send. Anything else is logged and ignored by the gateway.
func IsClientMessageType(messageType string) bool {
	switch messageType {
	case MessageTypeGetOnlineUsers, MessageTypePing:
		return true
	}
	return false
}
