package versionlog

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/schema"
	"collabtext/internal/step"
)

func batch(client string, base int, ps ...step.Payload) []step.Step {
	return step.New(client, base, ps)
}

func text(t *testing.T, doc []byte) string {
	t.Helper()
	s, err := schema.PlainText(doc)
	require.NoError(t, err)
	return s
}

func TestAppendIsMonotonic(t *testing.T) {
	l := New(0)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		old := l.Version()
		n := rng.Intn(4)
		steps := make([]step.Payload, n)
		for j := range steps {
			steps[j] = schema.Insert(0, "x")
		}
		v, err := l.Append(batch("a", old, steps...))
		require.NoError(t, err)
		assert.Equal(t, old+n, v)
		assert.Equal(t, v, l.Version())
	}
}

func TestEntriesSince(t *testing.T) {
	l := New(3)
	_, err := l.Append(batch("a", 3, schema.Insert(0, "a"), schema.Insert(1, "b")))
	require.NoError(t, err)
	_, err = l.Append(batch("b", 5, schema.Insert(2, "c")))
	require.NoError(t, err)

	es, err := l.EntriesSince(3)
	require.NoError(t, err)
	require.Len(t, es, 3)
	assert.Equal(t, []int{4, 5, 6}, []int{es[0].Version, es[1].Version, es[2].Version})
	assert.Equal(t, "b", es[2].ClientID)

	es, err = l.EntriesSince(5)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, 6, es[0].Version)

	es, err = l.EntriesSince(6)
	require.NoError(t, err)
	assert.Empty(t, es)

	_, err = l.EntriesSince(7)
	assert.ErrorIs(t, err, ErrFutureVersion)
	_, err = l.EntriesSince(2)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestEntriesSinceIsRestartable(t *testing.T) {
	l := New(0)
	_, err := l.Append(batch("a", 0, schema.Insert(0, "a"), schema.Insert(1, "b")))
	require.NoError(t, err)

	first, err := l.EntriesSince(0)
	require.NoError(t, err)
	first[0].Version = 99
	second, err := l.EntriesSince(0)
	require.NoError(t, err)
	assert.Equal(t, 1, second[0].Version)
}

func TestTrim(t *testing.T) {
	l := New(0)
	for i := 0; i < 10; i++ {
		_, err := l.Append(batch("a", i, schema.Insert(i, "x")))
		require.NoError(t, err)
	}
	l.Trim(4)
	assert.Equal(t, 6, l.Base())
	assert.Equal(t, 10, l.Version())
	es, err := l.EntriesSince(6)
	require.NoError(t, err)
	assert.Len(t, es, 4)
	_, err = l.EntriesSince(5)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = l.Append(batch("a", 10, schema.Insert(0, "y")))
	require.NoError(t, err)
}

func TestCorruptIsSticky(t *testing.T) {
	l := New(0)
	_, err := l.Append(batch("a", 0, schema.Insert(0, "a")))
	require.NoError(t, err)

	l.entries = l.entries[:0]
	_, err = l.Append(batch("a", 1, schema.Insert(0, "b")))
	require.ErrorIs(t, err, ErrCorrupt)
	assert.True(t, l.Corrupt())

	l.entries = append(l.entries, Entry{Version: 1})
	_, err = l.EntriesSince(0)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReplayComposes(t *testing.T) {
	s := schema.Text{}
	l := New(0)
	_, err := l.Append(batch("a", 0, schema.Insert(0, "hello"), schema.Insert(5, " world")))
	require.NoError(t, err)
	_, err = l.Append(batch("b", 2, schema.Delete(0, 1), schema.Insert(0, "J")))
	require.NoError(t, err)
	all, err := l.EntriesSince(0)
	require.NoError(t, err)

	full, err := Replay(s, s.Empty(), all)
	require.NoError(t, err)
	assert.Equal(t, "Jello world", text(t, full))

	for cut := 0; cut <= len(all); cut++ {
		mid, err := Replay(s, s.Empty(), all[:cut])
		require.NoError(t, err)
		end, err := Replay(s, mid, all[cut:])
		require.NoError(t, err)
		assert.JSONEq(t, string(full), string(end), "cut at %d", cut)
	}
}

func TestReplayRejectsBadStep(t *testing.T) {
	s := schema.Text{}
	_, err := Replay(s, s.Empty(), []Entry{{Version: 1, Step: step.Step{Payload: schema.Delete(0, 3)}}})
	assert.ErrorIs(t, err, schema.ErrInvalidStep)
}

func TestRebase(t *testing.T) {
	s := schema.Text{}
	l := New(0)
	_, err := l.Append(batch("a", 0, schema.Insert(0, "hi")))
	require.NoError(t, err)

	missed, err := l.EntriesSince(0)
	require.NoError(t, err)
	pending := []step.Payload{schema.Insert(0, "yo"), schema.Insert(2, "!")}
	rebased, err := Rebase(s, pending, missed)
	require.NoError(t, err)

	v, err := l.Append(batch("b", 1, rebased...))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	all, err := l.EntriesSince(0)
	require.NoError(t, err)
	doc, err := Replay(s, s.Empty(), all)
	require.NoError(t, err)
	assert.Equal(t, "hiyo!", text(t, doc))
}
