// Package wire defines the JSON messages exchanged over a session's
// websocket. Every message carries Type; the other fields depend on it.
package wire

import (
	"encoding/json"

	"collabtext/internal/step"
	"collabtext/internal/versionlog"
)

// Message types.
const (
	// Server to client.
	TypeInit     = "init"     // ClientID, Version, Doc
	TypeAccepted = "accepted" // Version after the client's batch
	TypeConflict = "conflict" // Version, Entries missed since the batch's base
	TypeUpdate   = "update"   // Version, Entries accepted from other clients
	TypeReset    = "reset"    // document reloaded; reattach
	TypeError    = "error"    // Code, Error

	// Client to server.
	TypeSteps = "steps" // Version the Steps were authored against
	TypeAck   = "ack"   // Version applied locally
	TypePing  = "ping"
)

// Error codes.
const (
	CodeInvalidStep      = "invalid_step"
	CodeHistoryTruncated = "history_truncated"
	CodeCorruptLog       = "corrupt_log"
	CodeNotAttached      = "not_attached"
	CodeFutureVersion    = "future_version"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeLoad             = "load_failed"
	CodeInternal         = "internal"
)

type Message struct {
	Type     string             `json:"type"`
	ClientID string             `json:"clientID,omitempty"`
	Version  int                `json:"version"`
	Doc      json.RawMessage    `json:"doc,omitempty"`
	Steps    []step.Payload     `json:"steps,omitempty"`
	Entries  []versionlog.Entry `json:"entries,omitempty"`
	Code     string             `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
}
