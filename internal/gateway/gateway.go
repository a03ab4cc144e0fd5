package gateway

import (
	"context"
	"log"
	"sync"

	"presencegate/internal/roster"
	"presencegate/pkg/types"
)

// Conn is the slice of a connection the gateway needs: identity, the session
// snapshot taken at admission, and a write path. Keeping it narrow lets
// gateway tests run against in-process fakes instead of live sockets.
type Conn interface {
	ID() string
	Session() types.Session
	WriteJSON(v interface{}) error
}

// Recorder receives presence lifecycle events for the optional audit log.
// Recorder failures are logged and never affect admission or broadcast.
type Recorder interface {
	RecordConnect(ctx context.Context, session types.Session) error
	RecordDisconnect(ctx context.Context, connectionID string) error
}

type eventKind int

const (
	eventAdmit eventKind = iota
	eventDisconnect
	eventClientMessage
)

// event carries one unit of work for the gateway loop. All three event kinds
// flow through a single channel so their relative arrival order is the order
// the loop observes them in.
type event struct {
	kind         eventKind
	conn         Conn
	connectionID string
	messageType  string
}

// Gateway owns the roster and mediates every mutation of it. One goroutine
// processes admissions, disconnects and client messages in sequence, so the
// roster is never observed half-updated: between "session inserted" and
// "broadcast dispatched" no other event can interleave.
type Gateway struct {
	events          chan event
	shutdownChannel chan struct{}

	// roster and conns are touched exclusively by the run loop.
	roster *roster.Roster
	conns  map[string]Conn

	recorder Recorder

	running bool
	mu      sync.RWMutex
}

// NewGateway creates a gateway. recorder may be nil to disable the audit log.
func NewGateway(recorder Recorder) *Gateway {
	return &Gateway{
		events:          make(chan event, 256), // buffer absorbs connect/disconnect bursts
		shutdownChannel: make(chan struct{}),
		roster:          roster.New(),
		conns:           make(map[string]Conn),
		recorder:        recorder,
	}
}

// Start launches the event loop.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrGatewayAlreadyRunning
	}
	g.running = true
	g.mu.Unlock()

	log.Println("Starting presence gateway...")
	go g.run(ctx)

	return nil
}

// Stop shuts the event loop down. Connections are torn down by the HTTP
// server's shutdown, which feeds the normal disconnect path.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return ErrGatewayNotRunning
	}
	g.running = false

	log.Println("Stopping presence gateway...")

	select {
	case <-g.shutdownChannel:
		// Already closed.
	default:
		close(g.shutdownChannel)
	}

	return nil
}

// Admit queues an authenticated connection for roster insertion. The
// connection has already passed the token gate; the loop inserts it, sends
// the connected handshake to it alone, and broadcasts the roster change to
// everyone else.
func (g *Gateway) Admit(conn Conn) error {
	if conn == nil {
		return ErrNilConnection
	}
	return g.enqueue(event{kind: eventAdmit, conn: conn})
}

// Disconnect queues removal of a connection. Unknown connection IDs are a
// no-op, so transport-level close and explicit teardown can both call this.
func (g *Gateway) Disconnect(connectionID string) error {
	return g.enqueue(event{kind: eventDisconnect, connectionID: connectionID})
}

// HandleClientMessage queues a protocol message received from an admitted
// connection (get_online_users or ping).
func (g *Gateway) HandleClientMessage(connectionID, messageType string) error {
	return g.enqueue(event{kind: eventClientMessage, connectionID: connectionID, messageType: messageType})
}

// enqueue blocks until the loop accepts the event, preserving arrival order.
// Dropping disconnect events would leak roster entries, so the channel send
// is only abandoned on shutdown.
func (g *Gateway) enqueue(ev event) error {
	g.mu.RLock()
	if !g.running {
		g.mu.RUnlock()
		return ErrGatewayNotRunning
	}
	g.mu.RUnlock()

	select {
	case g.events <- ev:
		return nil
	case <-g.shutdownChannel:
		return ErrGatewayNotRunning
	}
}

// run is the single-threaded event loop that owns all roster mutations.
func (g *Gateway) run(ctx context.Context) {
	defer log.Println("Presence gateway stopped")

	for {
		select {
		case ev := <-g.events:
			switch ev.kind {
			case eventAdmit:
				g.handleAdmit(ctx, ev.conn)
			case eventDisconnect:
				g.handleDisconnect(ctx, ev.connectionID)
			case eventClientMessage:
				g.handleClientMessage(ev.connectionID, ev.messageType)
			}

		case <-g.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleAdmit(ctx context.Context, conn Conn) {
	session := conn.Session()
	g.roster.Add(session)
	g.conns[session.ConnectionID] = conn

	// Handshake to the new session only: its own profile plus the roster
	// excluding itself.
	handshake := types.ServerMessage{
		Type: types.MessageTypeConnected,
		Data: types.ConnectedPayload{
			User:        session.Profile,
			OnlineUsers: g.roster.SnapshotFor(session.ConnectionID),
		},
	}
	if err := conn.WriteJSON(handshake); err != nil {
		log.Printf("Failed to send connected handshake to %s: %v", session.ConnectionID, err)
	}

	g.broadcastRoster(session.ConnectionID)

	log.Printf("Session admitted: connection=%s user=%s online=%d",
		session.ConnectionID, session.Profile.ID, g.roster.Len())

	if g.recorder != nil {
		if err := g.recorder.RecordConnect(ctx, session); err != nil {
			log.Printf("Failed to record connect event for %s: %v", session.ConnectionID, err)
		}
	}
}

func (g *Gateway) handleDisconnect(ctx context.Context, connectionID string) {
	// Idempotent: a disconnect for an unknown connection triggers nothing,
	// not even a broadcast.
	if !g.roster.Remove(connectionID) {
		return
	}
	delete(g.conns, connectionID)

	// Remove first, then broadcast to the resulting roster; the departed
	// session naturally receives nothing.
	g.broadcastRoster("")

	log.Printf("Session removed: connection=%s online=%d", connectionID, g.roster.Len())

	if g.recorder != nil {
		if err := g.recorder.RecordDisconnect(ctx, connectionID); err != nil {
			log.Printf("Failed to record disconnect event for %s: %v", connectionID, err)
		}
	}
}

func (g *Gateway) handleClientMessage(connectionID, messageType string) {
	conn, exists := g.conns[connectionID]
	if !exists {
		// The read pump only starts after admission is queued, so this is
		// a message racing a disconnect; drop it.
		return
	}

	switch messageType {
	case types.MessageTypeGetOnlineUsers:
		msg := types.ServerMessage{
			Type: types.MessageTypeOnlineUsers,
			Data: g.roster.SnapshotFor(connectionID),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Failed to send roster to %s: %v", connectionID, err)
		}

	case types.MessageTypePing:
		if err := conn.WriteJSON(types.ServerMessage{Type: types.MessageTypePong}); err != nil {
			log.Printf("Failed to send pong to %s: %v", connectionID, err)
		}

	default:
		log.Printf("Ignoring unknown message type %q from %s", messageType, connectionID)
	}
}

// broadcastRoster delivers each admitted session its personalized roster
// view. A recipient whose connection is no longer writable is skipped; its
// stale entry is cleaned up when the transport reports the closure.
func (g *Gateway) broadcastRoster(skipConnectionID string) {
	for _, connectionID := range g.roster.ConnectionIDs() {
		if connectionID == skipConnectionID {
			continue
		}
		conn, exists := g.conns[connectionID]
		if !exists {
			continue
		}

		msg := types.ServerMessage{
			Type: types.MessageTypeOnlineUsers,
			Data: g.roster.SnapshotFor(connectionID),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Skipping unwritable connection %s during broadcast: %v", connectionID, err)
		}
	}
}
