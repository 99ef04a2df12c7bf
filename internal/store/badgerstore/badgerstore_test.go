package badgerstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/store"
	"collabtext/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	storetest.Run(t, s)
}

// TestReopen verifies records survive closing the database.
func TestReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.SetItem(ctx, "d1", store.Record{UID: "d1", Doc: json.RawMessage(`{"a":1}`), Version: 4}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.GetItem(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Version)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
