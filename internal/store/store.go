// Package store defines the durable key-value capability behind the disk
// adapter, plus an in-memory implementation. Backends live in subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by GetItem when no record exists for the id.
var ErrNotFound = errors.New("record not found")

// Record is the persisted snapshot of one document. Version is stored next to
// the reduced content so a cold load does not need to replay history.
type Record struct {
	UID     string          `json:"uid"`
	Doc     json.RawMessage `json:"doc"`
	Created int64           `json:"created"`
	Version int             `json:"version"`
}

// Store must be safe for concurrent use.
type Store interface {
	GetItem(ctx context.Context, id string) (Record, error)
	SetItem(ctx context.Context, id string, rec Record) error
	// Iterate calls fn for every stored record until fn returns an error.
	Iterate(ctx context.Context, fn func(Record) error) error
	Close() error
}

// Encode and Decode are shared by the byte-oriented backends.
func Encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func Decode(buf []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(buf, &rec)
	return rec, err
}
