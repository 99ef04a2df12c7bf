// Package schema is the document-model capability consumed by the sync engine:
// it validates document trees, applies steps to them and transforms concurrent
// steps against each other so that clients can rebase.
package schema

import (
	"encoding/json"
	"errors"

	"collabtext/internal/step"
)

var (
	// ErrInvalidStep is returned when a step does not apply cleanly.
	ErrInvalidStep = errors.New("invalid step")
	// ErrInvalidDocument is returned for trees that do not conform to the schema.
	ErrInvalidDocument = errors.New("invalid document")
)

// Schema must be pure: the same inputs always produce the same outputs.
type Schema interface {
	// Empty returns the initial document for a record that does not exist yet.
	Empty() json.RawMessage
	Validate(doc json.RawMessage) error
	Apply(doc json.RawMessage, p step.Payload) (json.RawMessage, error)
	// Transform derives the bottom two sides of the OT diamond for a and b.
	// b takes priority over a, e.g. for insert-insert ties.
	Transform(a, b step.Payload) (ap, bp step.Payload, err error)
}
