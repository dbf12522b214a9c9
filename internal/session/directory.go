// Package session provides the session directory: the authoritative mapping
// from externally-visible session ids to the upstream currently serving
// them. Lookups vastly outnumber inserts and removes, so the map sits
// behind a read-biased lock.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/types"
)

// Session records where one external session id is served. Exactly one of
// ProcessID (local driver) or NodeName (remote peer) is set. UpstreamID is
// the id the upstream itself issued; the external id is always minted fresh,
// so the two never coincide by construction.
type Session struct {
	ID          string // external id handed to the client
	UpstreamID  string // id issued by the upstream
	ProcessID   string // owning local process, empty for remote sessions
	NodeName    string // owning remote node, empty for local sessions
	UpstreamURL string // base URL requests are forwarded to
	CreatedAt   time.Time

	// End releases whatever the session holds (the fleet lease for local
	// sessions); nil when there is nothing to release. Safe to call more
	// than once.
	End func()

	lastActivity atomic.Int64 // unix nanos, lock-free touch on every request
}

// NewLocal creates a session record served by a local driver process.
func NewLocal(id, upstreamID, processID string) *Session {
	return newSession(id, upstreamID, processID, "")
}

// NewRemote creates a session record served by a remote node.
func NewRemote(id, upstreamID, nodeName string) *Session {
	return newSession(id, upstreamID, "", nodeName)
}

func newSession(id, upstreamID, processID, nodeName string) *Session {
	s := &Session{
		ID:         id,
		UpstreamID: upstreamID,
		ProcessID:  processID,
		NodeName:   nodeName,
		CreatedAt:  time.Now(),
	}
	s.lastActivity.Store(s.CreatedAt.UnixNano())
	return s
}

// IsLocal reports whether this session is served by a local process.
func (s *Session) IsLocal() bool {
	return s.NodeName == ""
}

// Touch updates the last-activity timestamp atomically.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last-activity time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Directory maps external session ids to Sessions.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewDirectory creates an empty session directory.
func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
	}
}

// Insert stores a session. Inserting a duplicate id is a programming error
// (external ids are freshly minted UUIDs) and panics.
func (d *Directory) Insert(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.sessions[s.ID]; exists {
		panic("session directory: duplicate external session id " + s.ID)
	}
	d.sessions[s.ID] = s
}

// Get retrieves a session by external id and touches its activity timestamp.
func (d *Directory) Get(id string) (*Session, error) {
	d.mu.RLock()
	s, exists := d.sessions[id]
	d.mu.RUnlock()

	if !exists {
		return nil, types.ErrSessionNotFound
	}
	s.Touch()
	return s, nil
}

// Remove deletes a session by external id and returns it.
func (d *Directory) Remove(id string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, exists := d.sessions[id]
	if !exists {
		return nil, types.ErrSessionNotFound
	}
	delete(d.sessions, id)
	return s, nil
}

// RemoveByProcess evicts every session served by the given local process and
// returns the evicted records. Called when a driver process dies so
// subsequent requests fail fast with invalid session id.
func (d *Directory) RemoveByProcess(processID string) []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	var evicted []*Session
	for id, s := range d.sessions {
		if s.ProcessID == processID {
			delete(d.sessions, id)
			evicted = append(evicted, s)
		}
	}
	if len(evicted) > 0 {
		log.Warn().
			Str("process_id", processID).
			Int("sessions", len(evicted)).
			Msg("Evicted sessions for dead process")
	}
	return evicted
}

// Len returns the number of active sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// Snapshot returns a copy of all current sessions, used during shutdown.
func (d *Directory) Snapshot() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}
