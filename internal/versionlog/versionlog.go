// Package versionlog holds the append-only, replayable step history of one
// document. A Log is not safe for concurrent use; the manager only touches it
// from inside the owning document's serialization domain.
package versionlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabtext/internal/schema"
	"collabtext/internal/step"
)

var (
	// ErrCorrupt means the log's internal bookkeeping no longer adds up. It is
	// sticky: a corrupt log refuses every append until it is replaced.
	ErrCorrupt = errors.New("version log corrupt")
	// ErrTruncated means the requested entries were trimmed from memory.
	ErrTruncated = errors.New("version log history truncated")
	// ErrFutureVersion means a caller claims a version the log has not reached.
	ErrFutureVersion = errors.New("version is ahead of the log")
)

// Entry is one accepted step. Version is the document version after the step
// was applied, so the first step of a new document has Version 1.
type Entry struct {
	Version  int       `json:"version"`
	Step     step.Step `json:"step"`
	ClientID string    `json:"clientID"`
}

type Log struct {
	base    int // version preceding entries[0]
	version int
	entries []Entry
	corrupt bool
}

// New returns an empty log for a document whose snapshot is at version base.
func New(base int) *Log {
	return &Log{base: base, version: base}
}

func (l *Log) Version() int { return l.version }

// Base is the oldest version entries can still be answered from.
func (l *Log) Base() int { return l.base }

func (l *Log) Corrupt() bool { return l.corrupt }

func (l *Log) check() error {
	if l.corrupt {
		return ErrCorrupt
	}
	if l.version != l.base+len(l.entries) {
		l.corrupt = true
		return fmt.Errorf("%w: version %d, base %d, %d entries", ErrCorrupt, l.version, l.base, len(l.entries))
	}
	return nil
}

// Append adds steps as one batch and returns the version after the batch.
func (l *Log) Append(steps []step.Step) (int, error) {
	if err := l.check(); err != nil {
		return l.version, err
	}
	old := l.version
	for _, s := range steps {
		l.version++
		l.entries = append(l.entries, Entry{Version: l.version, Step: s, ClientID: s.ClientID})
	}
	if err := l.check(); err != nil {
		return l.version, err
	}
	if l.version != old+len(steps) {
		l.corrupt = true
		return l.version, fmt.Errorf("%w: advanced %d for %d steps", ErrCorrupt, l.version-old, len(steps))
	}
	return l.version, nil
}

// EntriesSince returns a copy of the entries after version, oldest first.
func (l *Log) EntriesSince(version int) ([]Entry, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	switch {
	case version > l.version:
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureVersion, version, l.version)
	case version < l.base:
		return nil, fmt.Errorf("%w: %d < %d", ErrTruncated, version, l.base)
	}
	out := make([]Entry, l.version-version)
	copy(out, l.entries[version-l.base:])
	return out, nil
}

// Trim drops the oldest entries so that at most keep remain. keep <= 0 keeps
// everything.
func (l *Log) Trim(keep int) {
	if keep <= 0 || len(l.entries) <= keep {
		return
	}
	drop := len(l.entries) - keep
	l.entries = append([]Entry(nil), l.entries[drop:]...)
	l.base += drop
}

// Replay applies entries in order on top of snapshot.
func Replay(s schema.Schema, snapshot json.RawMessage, entries []Entry) (json.RawMessage, error) {
	doc := snapshot
	for _, e := range entries {
		var err error
		if doc, err = s.Apply(doc, e.Step.Payload); err != nil {
			return nil, fmt.Errorf("replay version %d: %w", e.Version, err)
		}
	}
	return doc, nil
}

// Rebase transforms pending payloads so they apply on top of missed. The
// missed entries are already accepted and take priority.
func Rebase(s schema.Schema, pending []step.Payload, missed []Entry) ([]step.Payload, error) {
	out := make([]step.Payload, len(pending))
	copy(out, pending)
	for _, e := range missed {
		b := e.Step.Payload
		for i, a := range out {
			var err error
			if out[i], b, err = s.Transform(a, b); err != nil {
				return nil, fmt.Errorf("rebase against version %d: %w", e.Version, err)
			}
		}
	}
	return out, nil
}
