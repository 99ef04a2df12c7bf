// Package disk decouples fast in-memory step acceptance from slow durable
// writes. Saves are debounced per document and evaluate their snapshot at
// write time, so a burst of edits costs one write of the newest state.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"collabtext/internal/metrics"
	"collabtext/internal/store"
)

var (
	// ErrNotFound is returned by Load when the document was never persisted.
	ErrNotFound = store.ErrNotFound
	// ErrCorruptRecord is returned by Load for records that cannot be trusted.
	ErrCorruptRecord = errors.New("corrupt persisted record")
)

var tracer = otel.Tracer("collabtext/internal/disk")

// Snapshot produces the record to write. It is called at write time, not at
// schedule time.
type Snapshot func() store.Record

// Options configures a Disk.
type Options struct {
	// SaveEvery is the debounce window for ScheduleSave.
	SaveEvery time.Duration

	// MaxAttempts bounds the writes tried per flush, including the first.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnFailure is invoked every time a flush exhausts its attempts
	// (PersistenceFailed). The document stays dirty.
	OnFailure func(id string, err error)

	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		SaveEvery:      time.Second,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// task is one armed debounce timer. Cancelling its context is the token that
// retires it; a replacement task shares the same deadline.
type task struct {
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	deadline time.Time
}

func (t *task) stop() {
	t.cancel()
	t.timer.Stop()
}

type entry struct {
	write sync.Mutex // serializes writes of one document

	// Guarded by Disk.mu.
	snapshot Snapshot
	pending  *task
	gen      uint64 // bumped by every ScheduleSave
	dirty    bool
}

// Disk is safe for concurrent use across documents.
type Disk struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
	loads  singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func New(s store.Store, opts Options) *Disk {
	def := DefaultOptions()
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = def.SaveEvery
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Disk{
		store:   s,
		opts:    opts,
		logger:  logger.With("component", "disk"),
		entries: make(map[string]*entry),
	}
}

// Load reads the persisted record for id. Concurrent loads of the same id
// share one store read.
func (d *Disk) Load(ctx context.Context, id string) (store.Record, error) {
	v, err, _ := d.loads.Do(id, func() (any, error) {
		rec, err := d.store.GetItem(ctx, id)
		if err != nil {
			var syn *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syn) || errors.As(err, &typ) {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, id, err)
			}
			return nil, err
		}
		switch {
		case rec.UID != "" && rec.UID != id:
			return nil, fmt.Errorf("%w: %s holds uid %q", ErrCorruptRecord, id, rec.UID)
		case len(rec.Doc) == 0:
			return nil, fmt.Errorf("%w: %s has no content", ErrCorruptRecord, id)
		case rec.Version < 0:
			return nil, fmt.Errorf("%w: %s has version %d", ErrCorruptRecord, id, rec.Version)
		}
		rec.UID = id
		return rec, nil
	})
	if err != nil {
		return store.Record{}, err
	}
	return v.(store.Record), nil
}

func (d *Disk) entryLocked(id string) *entry {
	e, ok := d.entries[id]
	if !ok {
		e = &entry{}
		d.entries[id] = e
	}
	return e
}

// ScheduleSave asks for snap to be written within SaveEvery. Calls inside one
// window collapse into a single write of the newest snapshot.
func (d *Disk) ScheduleSave(id string, snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.entryLocked(id)
	e.snapshot = snap
	e.gen++
	e.dirty = true

	deadline := time.Now().Add(d.opts.SaveEvery)
	if e.pending != nil {
		deadline = e.pending.deadline
		e.pending.stop()
	}
	d.armLocked(id, e, deadline)
}

func (d *Disk) armLocked(id string, e *entry, deadline time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{ctx: ctx, cancel: cancel, deadline: deadline}
	t.timer = time.AfterFunc(time.Until(deadline), func() { d.fire(id, t) })
	e.pending = t
}

func (d *Disk) fire(id string, t *task) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok || t.ctx.Err() != nil || e.pending != t {
		d.mu.Unlock()
		return
	}
	e.pending = nil
	t.cancel()
	d.mu.Unlock()

	if err := d.write(context.Background(), id, e); err == nil {
		return
	}

	// The snapshot is still not durable and no later ScheduleSave may come,
	// so try again after one more window.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.entries[id] != e || e.pending != nil || !e.dirty {
		return
	}
	d.armLocked(id, e, time.Now().Add(d.opts.SaveEvery))
}

// Flush writes id now, bypassing the debounce window. It is a no-op when the
// last scheduled snapshot was already written.
func (d *Disk) Flush(ctx context.Context, id string) error {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok || !e.dirty {
		d.mu.Unlock()
		return nil
	}
	if e.pending != nil {
		e.pending.stop()
		e.pending = nil
	}
	d.mu.Unlock()
	return d.write(ctx, id, e)
}

// Dirty reports whether id has a snapshot that is not durable yet.
func (d *Disk) Dirty(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	return ok && e.dirty
}

// Discard drops pending work and bookkeeping for id without writing.
func (d *Disk) Discard(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok {
		if e.pending != nil {
			e.pending.stop()
		}
		delete(d.entries, id)
	}
}

// Close flushes every dirty document. Failed background writes are not
// retried after Close.
func (d *Disk) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	ids := make([]string, 0, len(d.entries))
	for id, e := range d.entries {
		if e.dirty {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := d.Flush(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Disk) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxAttempts-1)), ctx)
}

func (d *Disk) write(ctx context.Context, id string, e *entry) error {
	e.write.Lock()
	defer e.write.Unlock()

	d.mu.Lock()
	snap, gen, dirty := e.snapshot, e.gen, e.dirty
	d.mu.Unlock()
	if !dirty || snap == nil {
		return nil
	}

	ctx, span := tracer.Start(ctx, "disk.write")
	defer span.End()

	rec := snap()
	span.SetAttributes(attribute.String("doc.id", id), attribute.Int("doc.version", rec.Version))

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return d.store.SetItem(ctx, id, rec)
	}, d.newBackOff(ctx), func(err error, wait time.Duration) {
		metrics.DiskWrites.WithLabelValues("retry").Inc()
		d.logger.Warn("Snapshot write failed, retrying",
			"doc", id, "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		metrics.DiskWrites.WithLabelValues("error").Inc()
		metrics.PersistenceFailures.Inc()
		d.logger.Error("Snapshot write gave up", "doc", id, "attempts", attempts, "error", err)
		if d.opts.OnFailure != nil {
			d.opts.OnFailure(id, err)
		}
		return err
	}

	metrics.DiskWrites.WithLabelValues("ok").Inc()
	d.mu.Lock()
	if e.gen == gen {
		e.dirty = false
	}
	d.mu.Unlock()
	d.logger.Debug("Snapshot written", "doc", id, "version", rec.Version, "attempts", attempts)
	return nil
}
