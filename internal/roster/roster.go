package roster

import (
	"sort"

	"presencegate/pkg/types"
)

// Roster is the live set of all admitted sessions, keyed by connection ID.
// It is not safe for concurrent use: the gateway's event loop is its sole
// owner and mutates it from a single goroutine only. Keeping it lock-free
// makes the snapshot logic a pure function that tests can drive directly.
type Roster struct {
	sessions map[string]types.Session
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{
		sessions: make(map[string]types.Session),
	}
}

// Add inserts a session keyed by its connection ID. At most one entry exists
// per connection ID; re-adding the same ID replaces the previous entry. The
// same user ID may appear under multiple connection IDs (multiple tabs).
func (r *Roster) Add(session types.Session) {
	r.sessions[session.ConnectionID] = session
}

// Remove deletes the entry for a connection ID and reports whether an entry
// was present. Removing an unknown connection ID is a no-op.
func (r *Roster) Remove(connectionID string) bool {
	if _, exists := r.sessions[connectionID]; !exists {
		return false
	}
	delete(r.sessions, connectionID)
	return true
}

// Contains reports whether a connection ID has an admitted session.
func (r *Roster) Contains(connectionID string) bool {
	_, exists := r.sessions[connectionID]
	return exists
}

// Len returns the number of admitted sessions.
func (r *Roster) Len() int {
	return len(r.sessions)
}

// ConnectionIDs returns the connection IDs of all admitted sessions in
// unspecified order. The gateway iterates these during broadcasts.
func (r *Roster) ConnectionIDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SnapshotFor builds the personalized roster view for one connection: every
// other session's profile, de-duplicated by user ID. Sessions are ordered by
// connection ID before de-duplication, so when the same user holds several
// live sessions the one with the lowest connection ID wins. That also makes
// the payload ordering deterministic, which `get_online_users` idempotence
// relies on. The result is never nil so it encodes as [] rather than null.
func (r *Roster) SnapshotFor(connectionID string) []types.Profile {
	others := make([]types.Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		if id == connectionID {
			continue
		}
		others = append(others, session)
	}

	sort.Slice(others, func(i, j int) bool {
		return others[i].ConnectionID < others[j].ConnectionID
	})

	profiles := make([]types.Profile, 0, len(others))
	seen := make(map[string]bool, len(others))
	for _, session := range others {
		if seen[session.Profile.ID] {
			continue
		}
		seen[session.Profile.ID] = true
		profiles = append(profiles, session.Profile)
	}

	return profiles
}
