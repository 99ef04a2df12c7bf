// Package storetest is a conformance suite shared by the store backends.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/store"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := s.GetItem(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("roundtrip", func(t *testing.T) {
		rec := store.Record{
			UID:     "d1",
			Doc:     json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"}]}`),
			Created: 1700000000000,
			Version: 7,
		}
		require.NoError(t, s.SetItem(ctx, "d1", rec))
		got, err := s.GetItem(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "d1", got.UID)
		assert.Equal(t, 7, got.Version)
		assert.Equal(t, rec.Created, got.Created)
		assert.JSONEq(t, string(rec.Doc), string(got.Doc))
	})

	t.Run("overwrite", func(t *testing.T) {
		rec := store.Record{UID: "d2", Doc: json.RawMessage(`{"v":1}`), Created: 5, Version: 1}
		require.NoError(t, s.SetItem(ctx, "d2", rec))
		rec.Doc, rec.Version = json.RawMessage(`{"v":2}`), 2
		require.NoError(t, s.SetItem(ctx, "d2", rec))
		got, err := s.GetItem(ctx, "d2")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.JSONEq(t, `{"v":2}`, string(got.Doc))
	})

	t.Run("iterate", func(t *testing.T) {
		seen := map[string]int{}
		require.NoError(t, s.Iterate(ctx, func(r store.Record) error {
			seen[r.UID] = r.Version
			return nil
		}))
		assert.Equal(t, map[string]int{"d1": 7, "d2": 2}, seen)

		stop := errors.New("stop")
		calls := 0
		err := s.Iterate(ctx, func(store.Record) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}
