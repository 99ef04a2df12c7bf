// Package step defines the edit operations exchanged between editing sessions
// and the synchronization manager.
package step

import (
	"encoding/json"
	"fmt"
)

// Payload is an opaque tagged blob. Only the schema layer looks inside Data;
// the rest of the engine sequences and routes payloads by value.
type Payload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (p Payload) String() string {
	return fmt.Sprintf("%s%s", p.Kind, p.Data)
}

// Step is a payload authored by ClientID against BaseVersion.
type Step struct {
	ClientID    string  `json:"clientID"`
	BaseVersion int     `json:"baseVersion"`
	Payload     Payload `json:"payload"`
}

// New tags each payload with the author and the version it was written against.
func New(clientID string, baseVersion int, payloads []Payload) []Step {
	steps := make([]Step, len(payloads))
	for i, p := range payloads {
		steps[i] = Step{ClientID: clientID, BaseVersion: baseVersion, Payload: p}
	}
	return steps
}

// Payloads strips the routing metadata off steps.
func Payloads(steps []Step) []Payload {
	out := make([]Payload, len(steps))
	for i, s := range steps {
		out[i] = s.Payload
	}
	return out
}
