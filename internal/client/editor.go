// Package client is the editing side of a session: an Editor that keeps a
// local copy of the document in step with the authority, and a websocket
// Conn that drives an Editor against a collabd server.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"collabtext/internal/schema"
	"collabtext/internal/step"
	"collabtext/internal/versionlog"
)

// ErrNothingInFlight means a reply arrived for a batch that was never sent.
var ErrNothingInFlight = errors.New("no batch in flight")

// Editor holds the confirmed document, the local steps the authority has not
// confirmed yet and any remote entries that arrived ahead of their turn.
//
// Confirmed state only moves forward one version at a time. Entries are
// applied strictly in version order: an entry whose predecessor has not
// arrived is parked until it has, and an entry at or below the confirmed
// version is ignored.
type Editor struct {
	schema   schema.Schema
	clientID string

	mu          sync.Mutex
	doc         json.RawMessage // confirmed
	version     int
	view        json.RawMessage // doc with unconfirmed applied
	unconfirmed []step.Payload
	inflight    int // leading unconfirmed payloads that were sent
	early       map[int]versionlog.Entry
}

func NewEditor(s schema.Schema, clientID string, doc json.RawMessage, version int) (*Editor, error) {
	if err := s.Validate(doc); err != nil {
		return nil, err
	}
	return &Editor{
		schema:   s,
		clientID: clientID,
		doc:      doc,
		version:  version,
		view:     doc,
		early:    make(map[int]versionlog.Entry),
	}, nil
}

func (e *Editor) ClientID() string { return e.clientID }

// Version is the confirmed version.
func (e *Editor) Version() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Doc is the document as the local user sees it, unconfirmed steps included.
func (e *Editor) Doc() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Confirmed is the document at the confirmed version.
func (e *Editor) Confirmed() (json.RawMessage, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc, e.version
}

// Pending reports how many local steps await confirmation.
func (e *Editor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.unconfirmed)
}

// Apply records local edits. Nothing changes if any payload is invalid
// against the current view.
func (e *Editor) Apply(payloads ...step.Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := e.view
	for i, p := range payloads {
		var err error
		if view, err = e.schema.Apply(view, p); err != nil {
			return fmt.Errorf("local step %d: %w", i, err)
		}
	}
	e.view = view
	e.unconfirmed = append(e.unconfirmed, payloads...)
	return nil
}

// Sendable returns the next batch to submit and marks it in flight. ok is
// false when nothing is waiting or a batch is already in flight.
func (e *Editor) Sendable() (base int, payloads []step.Payload, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight > 0 || len(e.unconfirmed) == 0 {
		return e.version, nil, false
	}
	e.inflight = len(e.unconfirmed)
	payloads = make([]step.Payload, e.inflight)
	copy(payloads, e.unconfirmed)
	return e.version, payloads, true
}

// Accepted confirms the in-flight batch, which the authority placed so that
// it ends at version.
func (e *Editor) Accepted(version int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.inflight
	if n == 0 {
		return ErrNothingInFlight
	}
	first := version - n + 1
	entries := make([]versionlog.Entry, n)
	for i := range entries {
		entries[i] = versionlog.Entry{
			Version:  first + i,
			Step:     step.Step{ClientID: e.clientID, BaseVersion: first - 1, Payload: e.unconfirmed[i]},
			ClientID: e.clientID,
		}
	}
	if err := e.receiveLocked(entries); err != nil {
		return err
	}
	if e.version < version {
		return fmt.Errorf("accepted at %d but confirmed only %d", version, e.version)
	}
	e.inflight = 0
	return nil
}

// Conflict handles a rejected batch: the missed entries are applied and the
// local steps rebased over them, ready to be sent again.
func (e *Editor) Conflict(missed []versionlog.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight = 0
	return e.receiveLocked(missed)
}

// Receive applies entries accepted from other sessions.
func (e *Editor) Receive(entries []versionlog.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveLocked(entries)
}

// Interrupted forgets that a batch was sent. Its outcome is unknown; if it
// was accepted the entries come back through Conflict carrying our client id
// and are matched against the unconfirmed steps rather than applied twice.
func (e *Editor) Interrupted() {
	e.mu.Lock()
	e.inflight = 0
	e.mu.Unlock()
}

// Rejected drops the in-flight batch, which the authority refused as
// invalid, and returns it.
func (e *Editor) Rejected() []step.Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := append([]step.Payload(nil), e.unconfirmed[:e.inflight]...)
	e.unconfirmed = append([]step.Payload(nil), e.unconfirmed[e.inflight:]...)
	e.inflight = 0
	// The steps after the dropped batch were authored on top of it and may
	// no longer apply; keep the ones that still do.
	var kept []step.Payload
	view := e.doc
	for _, p := range e.unconfirmed {
		next, err := e.schema.Apply(view, p)
		if err != nil {
			dropped = append(dropped, p)
			continue
		}
		view = next
		kept = append(kept, p)
	}
	e.unconfirmed, e.view = kept, view
	return dropped
}

// Reset replaces all state with a fresh attachment. Unconfirmed steps are
// returned; they were authored against history the authority no longer has.
func (e *Editor) Reset(doc json.RawMessage, version int) ([]step.Payload, error) {
	if err := e.schema.Validate(doc); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := e.unconfirmed
	e.doc, e.view, e.version = doc, doc, version
	e.unconfirmed, e.inflight = nil, 0
	e.early = make(map[int]versionlog.Entry)
	return dropped, nil
}

// Resync reconciles the editor with a new attachment after a reconnect.
// needReset reports that the authority is behind the confirmed version, so
// local history cannot be reconciled and Reset must be called.
func (e *Editor) Resync(version int) (needReset bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight = 0
	return version < e.version
}

func (e *Editor) receiveLocked(entries []versionlog.Entry) error {
	for _, en := range entries {
		if en.Version > e.version {
			e.early[en.Version] = en
		}
	}
	changed := false
	for {
		en, ok := e.early[e.version+1]
		if !ok {
			break
		}
		delete(e.early, en.Version)
		if err := e.applyLocked(en); err != nil {
			return err
		}
		changed = true
	}
	for v := range e.early {
		if v <= e.version {
			delete(e.early, v)
		}
	}
	if !changed {
		return nil
	}
	view := e.doc
	for i, p := range e.unconfirmed {
		var err error
		if view, err = e.schema.Apply(view, p); err != nil {
			return fmt.Errorf("replay unconfirmed step %d at version %d: %w", i, e.version, err)
		}
	}
	e.view = view
	return nil
}

func (e *Editor) applyLocked(en versionlog.Entry) error {
	doc, err := e.schema.Apply(e.doc, en.Step.Payload)
	if err != nil {
		return fmt.Errorf("apply version %d: %w", en.Version, err)
	}
	e.doc, e.version = doc, en.Version
	if en.ClientID == e.clientID && len(e.unconfirmed) > 0 {
		// Our own step coming back.
		e.unconfirmed = e.unconfirmed[1:]
		if e.inflight > 0 {
			e.inflight--
		}
		return nil
	}
	if e.unconfirmed, err = versionlog.Rebase(e.schema, e.unconfirmed, []versionlog.Entry{en}); err != nil {
		return err
	}
	return nil
}
