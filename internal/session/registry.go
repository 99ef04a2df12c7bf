// Package session tracks which clients are attached to which documents and
// how far each of them has acknowledged the document's history.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"collabtext/internal/metrics"
	"collabtext/internal/versionlog"
)

var ErrUnknownSession = errors.New("unknown session")

// Update is delivered to attached sessions. Version is the document version
// after Entries. Reset means the document was reloaded from durable storage
// and the session has been dropped; the client must attach again.
type Update struct {
	Version int                `json:"version"`
	Entries []versionlog.Entry `json:"entries,omitempty"`
	Reset   bool               `json:"reset,omitempty"`
}

// Session is a snapshot of one client's attachment. Gen tells apart
// successive sessions of the same client on the same document.
type Session struct {
	ClientID         string
	DocumentID       string
	Gen              uint64
	LastAckedVersion int
	LastSeen         time.Time
}

type session struct {
	Session
	updates chan Update
}

// Registry is safe for concurrent use.
type Registry struct {
	buffer int
	now    func() time.Time

	mu      sync.Mutex
	docs    map[string]map[string]*session
	lastGen uint64
}

// NewRegistry returns a registry whose sessions buffer up to buffer updates.
// now defaults to time.Now.
func NewRegistry(buffer int, now func() time.Time) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{buffer: buffer, now: now, docs: make(map[string]map[string]*session)}
}

// Register attaches clientID to docID at version and returns the session's
// generation. An existing session with the same client id is replaced and its
// channel closed.
func (r *Registry) Register(docID, clientID string, version int) (<-chan Update, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.docs[docID]
	if !ok {
		sessions = make(map[string]*session)
		r.docs[docID] = sessions
	}
	if old, ok := sessions[clientID]; ok {
		close(old.updates)
	} else {
		metrics.Sessions.Inc()
	}
	r.lastGen++
	s := &session{
		Session: Session{
			ClientID:         clientID,
			DocumentID:       docID,
			Gen:              r.lastGen,
			LastAckedVersion: version,
			LastSeen:         r.now(),
		},
		updates: make(chan Update, r.buffer),
	}
	sessions[clientID] = s
	return s.updates, s.Gen
}

// Unregister removes the session and returns the number left on docID. A
// non-zero gen only removes that generation, so a late detach from a replaced
// connection leaves its successor alone.
func (r *Registry) Unregister(docID, clientID string, gen uint64) (remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, found := r.docs[docID][clientID]; found && gen != 0 && s.Gen != gen {
		return len(r.docs[docID]), false
	}
	ok = r.removeLocked(docID, clientID)
	return len(r.docs[docID]), ok
}

func (r *Registry) removeLocked(docID, clientID string) bool {
	sessions := r.docs[docID]
	s, ok := sessions[clientID]
	if !ok {
		return false
	}
	close(s.updates)
	delete(sessions, clientID)
	if len(sessions) == 0 {
		delete(r.docs, docID)
	}
	metrics.Sessions.Dec()
	return true
}

// ListSessions returns the attached client ids in sorted order.
func (r *Registry) ListSessions(docID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.docs[docID]))
	for id := range r.docs[docID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs[docID])
}

func (r *Registry) Get(docID, clientID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.docs[docID][clientID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// MarkAcked records that clientID has applied everything up to version.
// Acknowledgements never move a cursor backwards. The caller bounds version
// by the document version.
func (r *Registry) MarkAcked(docID, clientID string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.docs[docID][clientID]
	if !ok {
		return ErrUnknownSession
	}
	s.LastAckedVersion = max(s.LastAckedVersion, version)
	s.LastSeen = r.now()
	return nil
}

// Touch records traffic from clientID without moving its cursor.
func (r *Registry) Touch(docID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.docs[docID][clientID]
	if !ok {
		return ErrUnknownSession
	}
	s.LastSeen = r.now()
	return nil
}

// Deliver sends u to every session on docID except the given client. A
// session whose buffer is full is presumed dead: it is removed and its id is
// returned so the caller can finish detaching it.
func (r *Registry) Deliver(docID, except string, u Update) (dead []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.docs[docID] {
		if id == except {
			continue
		}
		select {
		case s.updates <- u:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		r.removeLocked(docID, id)
	}
	return dead
}

// Reset tells every session on docID to reattach and drops them all.
func (r *Registry) Reset(docID string, version int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.docs[docID] {
		select {
		case s.updates <- Update{Version: version, Reset: true}:
		default:
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.removeLocked(docID, id)
	}
	return ids
}

// Stale returns sessions with no traffic for longer than timeout.
func (r *Registry) Stale(timeout time.Duration) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-timeout)
	var out []Session
	for _, sessions := range r.docs {
		for _, s := range sessions {
			if s.LastSeen.Before(cutoff) {
				out = append(out, s.Session)
			}
		}
	}
	return out
}
