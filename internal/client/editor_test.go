package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/manager"
	"collabtext/internal/schema"
	"collabtext/internal/session"
	"collabtext/internal/step"
	"collabtext/internal/store"
	"collabtext/internal/versionlog"
)

func newEditor(t *testing.T, clientID, text string, version int) *Editor {
	t.Helper()
	e, err := NewEditor(schema.Text{}, clientID, schema.Doc(text), version)
	require.NoError(t, err)
	return e
}

func text(t *testing.T, e *Editor) string {
	t.Helper()
	s, err := schema.PlainText(e.Doc())
	require.NoError(t, err)
	return s
}

func entry(version int, clientID string, p step.Payload) versionlog.Entry {
	return versionlog.Entry{
		Version:  version,
		Step:     step.Step{ClientID: clientID, BaseVersion: version - 1, Payload: p},
		ClientID: clientID,
	}
}

func TestLocalEditsShowImmediately(t *testing.T) {
	e := newEditor(t, "a", "hello", 3)
	require.NoError(t, e.Apply(schema.Insert(5, " world")))

	assert.Equal(t, "hello world", text(t, e))
	assert.Equal(t, 3, e.Version())
	assert.Equal(t, 1, e.Pending())
}

func TestInvalidLocalEditIsRefused(t *testing.T) {
	e := newEditor(t, "a", "abc", 0)
	require.Error(t, e.Apply(schema.Insert(1, "x"), schema.Delete(10, 1)))
	assert.Equal(t, "abc", text(t, e))
	assert.Zero(t, e.Pending())
}

func TestSendableOneBatchAtATime(t *testing.T) {
	e := newEditor(t, "a", "", 0)
	_, _, ok := e.Sendable()
	assert.False(t, ok)

	require.NoError(t, e.Apply(schema.Insert(0, "x")))
	base, ps, ok := e.Sendable()
	require.True(t, ok)
	assert.Equal(t, 0, base)
	assert.Len(t, ps, 1)

	require.NoError(t, e.Apply(schema.Insert(1, "y")))
	_, _, ok = e.Sendable()
	assert.False(t, ok, "previous batch still in flight")

	require.NoError(t, e.Accepted(1))
	base, ps, ok = e.Sendable()
	require.True(t, ok)
	assert.Equal(t, 1, base)
	assert.Equal(t, []step.Payload{schema.Insert(1, "y")}, ps)
}

func TestAcceptedWithoutBatch(t *testing.T) {
	e := newEditor(t, "a", "", 0)
	assert.ErrorIs(t, e.Accepted(1), ErrNothingInFlight)
}

func TestRemoteEntriesRebaseLocal(t *testing.T) {
	e := newEditor(t, "a", "abc", 0)
	require.NoError(t, e.Apply(schema.Insert(3, "!")))

	require.NoError(t, e.Receive([]versionlog.Entry{entry(1, "b", schema.Insert(0, ">"))}))
	assert.Equal(t, ">abc!", text(t, e))
	assert.Equal(t, 1, e.Version())

	base, ps, ok := e.Sendable()
	require.True(t, ok)
	assert.Equal(t, 1, base)
	assert.Equal(t, []step.Payload{schema.Insert(4, "!")}, ps)
}

func TestOutOfOrderEntriesAreParked(t *testing.T) {
	e := newEditor(t, "a", "", 0)
	require.NoError(t, e.Receive([]versionlog.Entry{entry(2, "b", schema.Insert(1, "y"))}))
	assert.Equal(t, 0, e.Version())
	assert.Equal(t, "", text(t, e))

	require.NoError(t, e.Receive([]versionlog.Entry{entry(1, "b", schema.Insert(0, "x"))}))
	assert.Equal(t, 2, e.Version())
	assert.Equal(t, "xy", text(t, e))
}

func TestDuplicateEntriesIgnored(t *testing.T) {
	e := newEditor(t, "a", "", 0)
	en := entry(1, "b", schema.Insert(0, "x"))
	require.NoError(t, e.Receive([]versionlog.Entry{en}))
	require.NoError(t, e.Receive([]versionlog.Entry{en}))
	assert.Equal(t, "x", text(t, e))
	assert.Equal(t, 1, e.Version())
}

// An update for a later version can beat the reply to our own batch.
func TestUpdateBeforeAccepted(t *testing.T) {
	e := newEditor(t, "a", "", 0)
	require.NoError(t, e.Apply(schema.Insert(0, "a")))
	_, _, ok := e.Sendable()
	require.True(t, ok)

	require.NoError(t, e.Receive([]versionlog.Entry{entry(2, "b", schema.Insert(1, "b"))}))
	assert.Equal(t, 0, e.Version())

	require.NoError(t, e.Accepted(1))
	assert.Equal(t, 2, e.Version())
	assert.Equal(t, "ab", text(t, e))
	assert.Zero(t, e.Pending())
}

func TestConflictRebasesAndResends(t *testing.T) {
	e := newEditor(t, "a", "abc", 0)
	require.NoError(t, e.Apply(schema.Delete(1, 1)))
	_, _, ok := e.Sendable()
	require.True(t, ok)

	require.NoError(t, e.Conflict([]versionlog.Entry{entry(1, "b", schema.Insert(0, "zz"))}))
	assert.Equal(t, "zzac", text(t, e))

	base, ps, ok := e.Sendable()
	require.True(t, ok)
	assert.Equal(t, 1, base)
	assert.Equal(t, []step.Payload{schema.Delete(3, 1)}, ps)
}

// After an interrupted submit the missed history may contain our own batch.
func TestInterruptedOwnStepsNotAppliedTwice(t *testing.T) {
	e := newEditor(t, "a", "", 0)
	require.NoError(t, e.Apply(schema.Insert(0, "x")))
	_, _, ok := e.Sendable()
	require.True(t, ok)
	e.Interrupted()

	require.NoError(t, e.Conflict([]versionlog.Entry{
		entry(1, "a", schema.Insert(0, "x")),
		entry(2, "b", schema.Insert(1, "y")),
	}))
	assert.Equal(t, "xy", text(t, e))
	assert.Equal(t, 2, e.Version())
	assert.Zero(t, e.Pending())
}

func TestRejectedDropsBatch(t *testing.T) {
	e := newEditor(t, "a", "abc", 0)
	require.NoError(t, e.Apply(schema.Insert(0, "x")))
	_, _, ok := e.Sendable()
	require.True(t, ok)
	require.NoError(t, e.Apply(schema.Insert(1, "y")))

	dropped := e.Rejected()
	assert.Equal(t, []step.Payload{schema.Insert(0, "x")}, dropped)
	assert.Equal(t, "aybc", text(t, e))
	assert.Equal(t, 1, e.Pending())
}

func TestResetAndResync(t *testing.T) {
	e := newEditor(t, "a", "abc", 5)
	require.NoError(t, e.Apply(schema.Insert(0, "x")))

	assert.False(t, e.Resync(5))
	assert.False(t, e.Resync(9))
	assert.True(t, e.Resync(2))

	dropped, err := e.Reset(schema.Doc("ab"), 2)
	require.NoError(t, err)
	assert.Len(t, dropped, 1)
	assert.Equal(t, "ab", text(t, e))
	assert.Equal(t, 2, e.Version())
}

// inProcess drives an Editor against a manager without a transport.
type inProcess struct {
	e       *Editor
	updates <-chan session.Update
}

func (p *inProcess) drain(t *testing.T) {
	for {
		select {
		case u, ok := <-p.updates:
			if !ok {
				return
			}
			require.NoError(t, p.e.Receive(u.Entries))
		default:
			return
		}
	}
}

func (p *inProcess) submit(t *testing.T, ctx context.Context, m *manager.Manager, docID string) {
	base, ps, ok := p.e.Sendable()
	if !ok {
		return
	}
	v, err := m.SubmitSteps(ctx, docID, p.e.ClientID(), base, ps)
	var conflict *manager.VersionConflict
	switch {
	case err == nil:
		require.NoError(t, p.e.Accepted(v))
	case errors.As(err, &conflict):
		require.NoError(t, p.e.Conflict(conflict.Missed))
	default:
		require.NoError(t, err)
	}
}

func randomEdit(r *rand.Rand, s string) step.Payload {
	n := utf8.RuneCountInString(s)
	if n > 0 && r.Intn(3) == 0 {
		pos := r.Intn(n)
		return schema.Delete(pos, 1+r.Intn(min(3, n-pos)))
	}
	alphabet := []string{"a", "b", "c", "é", "\n", "xy"}
	return schema.Insert(r.Intn(n+1), alphabet[r.Intn(len(alphabet))])
}

// Every session that has applied the same history sees the same document.
func TestConvergence(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			ctx := context.Background()
			m := manager.New(schema.Text{}, store.NewMemory(), manager.Options{SendBuffer: 4096})
			t.Cleanup(func() {
				cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				_ = m.Close(cctx)
			})

			var peers []*inProcess
			for i := 0; i < 3; i++ {
				att, err := m.Attach(ctx, "doc", fmt.Sprintf("c%d", i))
				require.NoError(t, err)
				e, err := NewEditor(schema.Text{}, att.ClientID, att.Doc, att.Version)
				require.NoError(t, err)
				peers = append(peers, &inProcess{e: e, updates: att.Updates})
			}

			for i := 0; i < 200; i++ {
				p := peers[r.Intn(len(peers))]
				switch r.Intn(3) {
				case 0:
					require.NoError(t, p.e.Apply(randomEdit(r, text(t, p.e))))
				case 1:
					p.submit(t, ctx, m, "doc")
				default:
					p.drain(t)
				}
			}

			for settled := false; !settled; {
				settled = true
				for _, p := range peers {
					p.drain(t)
					p.submit(t, ctx, m, "doc")
				}
				for _, p := range peers {
					p.drain(t)
					if p.e.Pending() > 0 {
						settled = false
					}
				}
			}

			st, ok := m.Status("doc")
			require.True(t, ok)
			obs, err := m.Attach(ctx, "doc", "observer")
			require.NoError(t, err)
			want, err := schema.PlainText(obs.Doc)
			require.NoError(t, err)
			for _, p := range peers {
				assert.Equal(t, st.Version, p.e.Version(), p.e.ClientID())
				assert.Equal(t, want, text(t, p.e), p.e.ClientID())
			}
		})
	}
}
