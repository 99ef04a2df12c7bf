package manager

import (
	"errors"
	"fmt"

	"collabtext/internal/versionlog"
)

var (
	// ErrNotAttached is returned for clients without a live session.
	ErrNotAttached = errors.New("session not attached")
	// ErrCorruptLog is returned while a document waits to be reloaded after
	// its version log failed an invariant check.
	ErrCorruptLog = errors.New("version log corrupt")
	// ErrHistoryTruncated means the client is further behind than the retained
	// history and must attach again.
	ErrHistoryTruncated = errors.New("missed history no longer retained")
	// ErrFutureVersion means the client claims a version the document never had.
	ErrFutureVersion = errors.New("base version ahead of document")
	// ErrDocumentLoad matches every *DocumentLoadError.
	ErrDocumentLoad = errors.New("document load failed")
	ErrClosed       = errors.New("manager closed")
)

// VersionConflict rejects a submission authored against a stale version.
// Missed holds every entry after the submitted base version; the client
// rebases its steps onto them and retries at Current.
type VersionConflict struct {
	Current int
	Missed  []versionlog.Entry
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict: document at %d, %d missed entries", e.Current, len(e.Missed))
}

// DocumentLoadError means attach could not trust or reach the backing store.
type DocumentLoadError struct {
	DocumentID string
	Err        error
}

func (e *DocumentLoadError) Error() string {
	return fmt.Sprintf("load document %s: %v", e.DocumentID, e.Err)
}

func (e *DocumentLoadError) Unwrap() error { return e.Err }

func (e *DocumentLoadError) Is(target error) bool { return target == ErrDocumentLoad }

// InvalidStepError rejects a whole batch because step Index did not apply.
type InvalidStepError struct {
	Index int
	Err   error
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Index, e.Err)
}

func (e *InvalidStepError) Unwrap() error { return e.Err }
