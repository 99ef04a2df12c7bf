package disk

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/store"
)

// countingStore records writes and can be told to fail.
type countingStore struct {
	*store.Memory
	mu       sync.Mutex
	writes   []store.Record
	attempts int
	failNext int  // fail this many upcoming writes
	down     bool // fail every write
	getErr   error
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: store.NewMemory()}
}

func (s *countingStore) SetItem(ctx context.Context, id string, rec store.Record) error {
	s.mu.Lock()
	s.attempts++
	if s.down || s.failNext > 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		s.mu.Unlock()
		return errors.New("store unavailable")
	}
	s.writes = append(s.writes, rec)
	s.mu.Unlock()
	return s.Memory.SetItem(ctx, id, rec)
}

func (s *countingStore) GetItem(ctx context.Context, id string) (store.Record, error) {
	if s.getErr != nil {
		return store.Record{}, s.getErr
	}
	return s.Memory.GetItem(ctx, id)
}

func (s *countingStore) Writes() []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Record(nil), s.writes...)
}

func (s *countingStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func record(id string, version int) store.Record {
	return store.Record{UID: id, Doc: json.RawMessage(`{"type":"doc"}`), Version: version}
}

func fastOptions() Options {
	return Options{
		SaveEvery:      50 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestScheduleSaveDebounces(t *testing.T) {
	s := newCountingStore()
	d := New(s, fastOptions())

	var current atomic.Int64
	snap := func() store.Record { return record("d1", int(current.Load())) }
	for i := 1; i <= 5; i++ {
		current.Store(int64(i))
		d.ScheduleSave("d1", snap)
	}
	// Changes after the last schedule call are still picked up.
	current.Store(6)

	require.Eventually(t, func() bool { return len(s.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	writes := s.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, 6, writes[0].Version)
	assert.False(t, d.Dirty("d1"))
}

func TestScheduleSaveKeepsFirstDeadline(t *testing.T) {
	s := newCountingStore()
	d := New(s, fastOptions())
	snap := func() store.Record { return record("d1", 1) }

	start := time.Now()
	stop := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			d.ScheduleSave("d1", snap)
			time.Sleep(5 * time.Millisecond)
		}
	}
	// Continuous rescheduling must not starve the write.
	writes := s.Writes()
	require.NotEmpty(t, writes)
	assert.Less(t, len(writes), 5)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFlushBypassesDebounce(t *testing.T) {
	s := newCountingStore()
	opts := fastOptions()
	opts.SaveEvery = time.Hour
	d := New(s, opts)

	d.ScheduleSave("d1", func() store.Record { return record("d1", 3) })
	require.NoError(t, d.Flush(context.Background(), "d1"))
	require.Len(t, s.Writes(), 1)
	assert.Equal(t, 3, s.Writes()[0].Version)

	// Clean documents do not write again.
	require.NoError(t, d.Flush(context.Background(), "d1"))
	require.NoError(t, d.Flush(context.Background(), "never-scheduled"))
	assert.Len(t, s.Writes(), 1)
}

func TestWriteRetries(t *testing.T) {
	s := newCountingStore()
	s.failNext = 2
	var failures atomic.Int32
	opts := fastOptions()
	opts.OnFailure = func(string, error) { failures.Add(1) }
	d := New(s, opts)

	d.ScheduleSave("d1", func() store.Record { return record("d1", 1) })
	require.NoError(t, d.Flush(context.Background(), "d1"))
	assert.Equal(t, 3, s.Attempts())
	assert.Len(t, s.Writes(), 1)
	assert.Zero(t, failures.Load())
}

func TestPersistenceFailedIsRaisedUntilWriteSucceeds(t *testing.T) {
	s := newCountingStore()
	s.down = true
	var failed []string
	var mu sync.Mutex
	opts := fastOptions()
	opts.OnFailure = func(id string, err error) {
		mu.Lock()
		failed = append(failed, id)
		mu.Unlock()
	}
	d := New(s, opts)
	ctx := context.Background()

	d.ScheduleSave("d1", func() store.Record { return record("d1", 1) })
	require.Error(t, d.Flush(ctx, "d1"))
	assert.Equal(t, 3, s.Attempts())
	assert.True(t, d.Dirty("d1"))

	require.Error(t, d.Flush(ctx, "d1"))
	mu.Lock()
	assert.Equal(t, []string{"d1", "d1"}, failed)
	mu.Unlock()

	s.mu.Lock()
	s.down = false
	s.mu.Unlock()
	require.NoError(t, d.Flush(ctx, "d1"))
	assert.False(t, d.Dirty("d1"))
	assert.Len(t, s.Writes(), 1)
}

// A debounced write that gives up is tried again without another
// ScheduleSave.
func TestFailedScheduledWriteIsRetried(t *testing.T) {
	s := newCountingStore()
	opts := fastOptions()
	s.failNext = opts.MaxAttempts
	var failures atomic.Int32
	opts.OnFailure = func(string, error) { failures.Add(1) }
	d := New(s, opts)

	d.ScheduleSave("d1", func() store.Record { return record("d1", 1) })

	require.Eventually(t, func() bool {
		return len(s.Writes()) == 1 && !d.Dirty("d1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, opts.MaxAttempts+1, s.Attempts())

	rec, err := s.GetItem(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestNoRetryAfterClose(t *testing.T) {
	s := newCountingStore()
	s.down = true
	d := New(s, fastOptions())

	d.ScheduleSave("d1", func() store.Record { return record("d1", 1) })
	require.Error(t, d.Close(context.Background()))
	attempts := s.Attempts()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, attempts, s.Attempts())
}

func TestDiscardDropsPendingWrite(t *testing.T) {
	s := newCountingStore()
	d := New(s, fastOptions())
	d.ScheduleSave("d1", func() store.Record { return record("d1", 1) })
	d.Discard("d1")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.Writes())
	assert.False(t, d.Dirty("d1"))
}

func TestCloseFlushesEverything(t *testing.T) {
	s := newCountingStore()
	opts := fastOptions()
	opts.SaveEvery = time.Hour
	d := New(s, opts)
	d.ScheduleSave("a", func() store.Record { return record("a", 1) })
	d.ScheduleSave("b", func() store.Record { return record("b", 2) })

	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, s.Writes(), 2)
}

func TestLoad(t *testing.T) {
	s := newCountingStore()
	d := New(s, fastOptions())
	ctx := context.Background()

	_, err := d.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Memory.SetItem(ctx, "d1", record("d1", 4)))
	rec, err := d.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Version)

	// Records written without uid or version still load.
	s.SetRaw("legacy", []byte(`{"doc":{"type":"doc"},"created":0}`))
	rec, err = d.Load(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", rec.UID)
	assert.Zero(t, rec.Version)

	s.SetRaw("garbled", []byte(`{"uid":`))
	_, err = d.Load(ctx, "garbled")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	require.NoError(t, s.Memory.SetItem(ctx, "moved", record("elsewhere", 1)))
	_, err = d.Load(ctx, "moved")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	s.SetRaw("empty", []byte(`{"uid":"empty"}`))
	_, err = d.Load(ctx, "empty")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	s.getErr = errors.New("connection refused")
	_, err = d.Load(ctx, "d1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrCorruptRecord)
}
