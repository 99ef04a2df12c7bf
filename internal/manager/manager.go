// Package manager is the single authority per document. It accepts step
// batches from attached sessions, serializes them into one linear version
// history, fans accepted batches out to the other sessions and hands
// persistence to the disk adapter.
//
// Every mutation of a document happens while holding that document's mutex,
// so submissions are processed one at a time in arrival order. Documents do
// not share a lock with each other.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"collabtext/internal/disk"
	"collabtext/internal/metrics"
	"collabtext/internal/schema"
	"collabtext/internal/session"
	"collabtext/internal/step"
	"collabtext/internal/store"
	"collabtext/internal/versionlog"
)

var tracer = otel.Tracer("collabtext/internal/manager")

// Options configures a Manager. Zero values pick the defaults.
type Options struct {
	// IdleTimeout is how long a document with no sessions stays in memory.
	IdleTimeout time.Duration

	// SessionTimeout detaches sessions that send no traffic for this long.
	// Negative disables the check.
	SessionTimeout time.Duration

	// SweepInterval is how often Run looks for stale sessions and idle documents.
	SweepInterval time.Duration

	// FlushTimeout bounds the background flush started by the last detach.
	FlushTimeout time.Duration

	// MaxHistory is the number of log entries kept in memory per document.
	MaxHistory int

	// SendBuffer is the number of updates a session may fall behind before
	// it is presumed dead.
	SendBuffer int

	// Disk configures the persistence adapter. Its OnFailure hook is called
	// after the manager has recorded the failure.
	Disk disk.Options

	// OnAccepted observes every accepted batch, in order per document.
	OnAccepted func(docID string, u session.Update)

	Logger *slog.Logger
	Now    func() time.Time
}

func DefaultOptions() Options {
	return Options{
		IdleTimeout:    time.Minute,
		SessionTimeout: 2 * time.Minute,
		SweepInterval:  5 * time.Second,
		FlushTimeout:   30 * time.Second,
		MaxHistory:     10000,
		SendBuffer:     256,
		Disk:           disk.DefaultOptions(),
	}
}

// Attachment is what a session receives when it attaches. Gen identifies
// this session among reattachments of the same client; pass it to
// DetachSession.
type Attachment struct {
	ClientID string
	Gen      uint64
	Doc      json.RawMessage
	Version  int
	Updates  <-chan session.Update
}

// Status describes an in-memory document.
type Status struct {
	Version            int
	Sessions           int
	Dirty              bool
	PersistenceFailing bool
}

type document struct {
	id string

	mu        sync.Mutex
	loaded    bool
	gone      bool // evicted; callers must look the id up again
	corrupt   bool
	log       *versionlog.Log
	doc       json.RawMessage
	version   int
	created   int64
	idleSince time.Time

	latest        atomic.Pointer[store.Record]
	persistFailed atomic.Bool
}

// publish makes the current state visible to the disk adapter without
// taking the document lock.
func (d *document) publish() {
	d.latest.Store(&store.Record{UID: d.id, Doc: d.doc, Created: d.created, Version: d.version})
}

func (d *document) snapshot() store.Record {
	return *d.latest.Load()
}

type Manager struct {
	schema   schema.Schema
	disk     *disk.Disk
	sessions *session.Registry
	opts     Options
	logger   *slog.Logger
	flushes  sync.WaitGroup

	mu     sync.Mutex
	docs   map[string]*document
	closed bool
}

// New returns a manager persisting through st.
func New(s schema.Schema, st store.Store, opts Options) *Manager {
	def := DefaultOptions()
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.SessionTimeout == 0 {
		opts.SessionTimeout = def.SessionTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = def.FlushTimeout
	}
	if opts.MaxHistory == 0 {
		opts.MaxHistory = def.MaxHistory
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		schema:   s,
		sessions: session.NewRegistry(opts.SendBuffer, opts.Now),
		opts:     opts,
		logger:   logger.With("component", "manager"),
		docs:     make(map[string]*document),
	}
	diskOpts := opts.Disk
	hook := diskOpts.OnFailure
	diskOpts.OnFailure = func(id string, err error) {
		m.persistenceFailed(id, err)
		if hook != nil {
			hook(id, err)
		}
	}
	if diskOpts.Logger == nil {
		diskOpts.Logger = logger
	}
	m.disk = disk.New(st, diskOpts)
	return m
}

// Attach loads docID if it is cold and registers clientID on it at the
// current version. An empty clientID is replaced with a fresh id.
func (m *Manager) Attach(ctx context.Context, docID, clientID string) (Attachment, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "manager.Attach", trace.WithAttributes(
		attribute.String("doc.id", docID), attribute.String("client.id", clientID)))
	defer span.End()

	d, err := m.acquire(ctx, docID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attach failed")
		return Attachment{}, err
	}
	defer d.mu.Unlock()

	updates, gen := m.sessions.Register(docID, clientID, d.version)
	d.idleSince = time.Time{}
	m.logger.Info("Session attached", "doc", docID, "client", clientID, "version", d.version)
	return Attachment{ClientID: clientID, Gen: gen, Doc: d.doc, Version: d.version, Updates: updates}, nil
}

// SubmitSteps applies payloads authored by clientID against base. On success
// it returns the new version. A stale base returns *VersionConflict holding
// the missed entries; an unappliable step returns *InvalidStepError and
// nothing from the batch is applied.
func (m *Manager) SubmitSteps(ctx context.Context, docID, clientID string, base int, payloads []step.Payload) (int, error) {
	start := time.Now()
	_, span := tracer.Start(ctx, "manager.SubmitSteps", trace.WithAttributes(
		attribute.String("doc.id", docID), attribute.String("client.id", clientID),
		attribute.Int("base", base), attribute.Int("steps", len(payloads))))
	defer span.End()

	version, err := m.submit(docID, clientID, base, payloads)
	result := "accepted"
	var conflict *VersionConflict
	var invalid *InvalidStepError
	switch {
	case err == nil:
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	case errors.As(err, &conflict):
		result = "conflict"
	case errors.As(err, &invalid):
		result = "invalid"
	default:
		result = "error"
	}
	if err != nil {
		span.SetStatus(codes.Error, result)
	}
	metrics.Submissions.WithLabelValues(result).Inc()
	return version, err
}

func (m *Manager) submit(docID, clientID string, base int, payloads []step.Payload) (int, error) {
	d, err := m.live(docID)
	if err != nil {
		return 0, err
	}
	defer d.mu.Unlock()

	if m.isClosed() {
		return d.version, ErrClosed
	}
	if d.corrupt {
		return d.version, fmt.Errorf("%w: %s awaits reload", ErrCorruptLog, docID)
	}
	if err := m.sessions.Touch(docID, clientID); err != nil {
		return d.version, ErrNotAttached
	}
	if d.log.Version() != d.version {
		return d.version, m.markCorrupt(d, fmt.Errorf("log at %d, content at %d", d.log.Version(), d.version))
	}

	switch {
	case base > d.version:
		return d.version, fmt.Errorf("%w: %d > %d", ErrFutureVersion, base, d.version)
	case base < d.version:
		missed, err := d.log.EntriesSince(base)
		switch {
		case errors.Is(err, versionlog.ErrTruncated):
			return d.version, fmt.Errorf("%w: %v", ErrHistoryTruncated, err)
		case err != nil:
			return d.version, m.markCorrupt(d, err)
		}
		return d.version, &VersionConflict{Current: d.version, Missed: missed}
	}
	if len(payloads) == 0 {
		return d.version, nil
	}

	// Apply the whole batch to a scratch copy first so a bad step leaves
	// the document untouched.
	doc := d.doc
	for i, p := range payloads {
		if doc, err = m.schema.Apply(doc, p); err != nil {
			m.logger.Warn("Rejected invalid step", "doc", docID, "client", clientID, "index", i, "error", err)
			return d.version, &InvalidStepError{Index: i, Err: err}
		}
	}

	old := d.version
	version, err := d.log.Append(step.New(clientID, base, payloads))
	if err == nil && version != old+len(payloads) {
		err = fmt.Errorf("%w: appended %d steps but moved %d", versionlog.ErrCorrupt, len(payloads), version-old)
	}
	if err != nil {
		return old, m.markCorrupt(d, err)
	}
	entries, err := d.log.EntriesSince(old)
	if err != nil {
		return old, m.markCorrupt(d, err)
	}
	d.doc, d.version = doc, version
	d.log.Trim(m.opts.MaxHistory)
	d.publish()
	metrics.StepsAccepted.Add(float64(len(payloads)))

	_ = m.sessions.MarkAcked(docID, clientID, version)
	u := session.Update{Version: version, Entries: entries}
	for _, id := range m.sessions.Deliver(docID, clientID, u) {
		m.logger.Warn("Dropped session that stopped reading updates", "doc", docID, "client", id)
	}
	m.disk.ScheduleSave(docID, d.snapshot)
	if m.opts.OnAccepted != nil {
		m.opts.OnAccepted(docID, u)
	}
	return version, nil
}

// Ack records that clientID has applied the document up to version. A
// version the document has not reached is refused with ErrFutureVersion.
func (m *Manager) Ack(docID, clientID string, version int) error {
	d, err := m.live(docID)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()
	if version > d.version {
		return fmt.Errorf("%w: ack %d > %d", ErrFutureVersion, version, d.version)
	}
	if err := m.sessions.MarkAcked(docID, clientID, version); err != nil {
		return ErrNotAttached
	}
	return nil
}

// Touch records traffic from a session that has nothing to acknowledge.
func (m *Manager) Touch(docID, clientID string) error {
	if err := m.sessions.Touch(docID, clientID); err != nil {
		return ErrNotAttached
	}
	return nil
}

// Detach removes clientID's session, whichever generation it is. The last
// detach from a document starts a background flush; the document is evicted
// later by Run.
func (m *Manager) Detach(docID, clientID string) error {
	return m.DetachSession(docID, clientID, 0)
}

// DetachSession is Detach restricted to the session generation gen, as
// returned in Attachment.Gen. It returns ErrNotAttached when clientID has
// since attached again.
func (m *Manager) DetachSession(docID, clientID string, gen uint64) error {
	d, err := m.live(docID)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()

	remaining, ok := m.sessions.Unregister(docID, clientID, gen)
	if !ok {
		return ErrNotAttached
	}
	m.logger.Info("Session detached", "doc", docID, "client", clientID, "remaining", remaining)
	if remaining == 0 {
		d.idleSince = m.opts.Now()
		if !d.corrupt && !m.isClosed() {
			m.flushAsync(docID)
		}
	}
	return nil
}

func (m *Manager) flushAsync(docID string) {
	m.flushes.Add(1)
	go func() {
		defer m.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushTimeout)
		defer cancel()
		if err := m.disk.Flush(ctx, docID); err != nil {
			m.logger.Warn("Final flush failed, document stays in memory", "doc", docID, "error", err)
		}
	}()
}

// GetCurrentVersion reports the version of docID without attaching to it.
func (m *Manager) GetCurrentVersion(ctx context.Context, docID string) (int, error) {
	m.mu.Lock()
	d := m.docs[docID]
	m.mu.Unlock()
	if d != nil {
		d.mu.Lock()
		if d.loaded && !d.gone && !d.corrupt {
			v := d.version
			d.mu.Unlock()
			return v, nil
		}
		d.mu.Unlock()
	}
	rec, err := m.disk.Load(ctx, docID)
	switch {
	case errors.Is(err, disk.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, &DocumentLoadError{DocumentID: docID, Err: err}
	}
	return rec.Version, nil
}

// Status reports on an in-memory document. ok is false for cold documents.
func (m *Manager) Status(docID string) (st Status, ok bool) {
	d, err := m.live(docID)
	if err != nil {
		return Status{}, false
	}
	defer d.mu.Unlock()
	dirty := m.disk.Dirty(docID)
	return Status{
		Version:            d.version,
		Sessions:           m.sessions.Count(docID),
		Dirty:              dirty,
		PersistenceFailing: dirty && d.persistFailed.Load(),
	}, true
}

// Sessions lists the clients attached to docID.
func (m *Manager) Sessions(docID string) []string {
	return m.sessions.ListSessions(docID)
}

// Run sweeps stale sessions and idle documents until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one janitor pass: sessions without traffic inside
// SessionTimeout are detached, and documents idle for IdleTimeout are
// evicted once their last snapshot is durable.
func (m *Manager) Sweep(ctx context.Context) {
	if m.opts.SessionTimeout > 0 {
		for _, s := range m.sessions.Stale(m.opts.SessionTimeout) {
			m.logger.Info("Session timed out", "doc", s.DocumentID, "client", s.ClientID, "lastSeen", s.LastSeen)
			if err := m.DetachSession(s.DocumentID, s.ClientID, s.Gen); err != nil && !errors.Is(err, ErrNotAttached) {
				m.logger.Warn("Could not detach stale session", "doc", s.DocumentID, "client", s.ClientID, "error", err)
			}
		}
	}

	m.mu.Lock()
	docs := make([]*document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	m.mu.Unlock()

	now := m.opts.Now()
	for _, d := range docs {
		d.mu.Lock()
		if !d.loaded || d.gone || m.sessions.Count(d.id) > 0 {
			d.mu.Unlock()
			continue
		}
		if d.idleSince.IsZero() {
			// Lost its sessions without a detach (dropped or reset).
			d.idleSince = now
		}
		idleSince, corrupt := d.idleSince, d.corrupt
		d.mu.Unlock()
		if !corrupt && now.Sub(idleSince) < m.opts.IdleTimeout {
			continue
		}
		if !corrupt {
			if err := m.disk.Flush(ctx, d.id); err != nil {
				m.logger.Warn("Keeping idle document in memory, flush failed", "doc", d.id, "error", err)
				continue
			}
		}

		d.mu.Lock()
		if !d.gone && m.sessions.Count(d.id) == 0 && d.idleSince.Equal(idleSince) && (corrupt || !m.disk.Dirty(d.id)) {
			reason := "idle"
			if corrupt {
				reason = "corrupt"
			}
			m.disk.Discard(d.id)
			m.dropLocked(d, reason)
		}
		d.mu.Unlock()
	}
}

// Close stops accepting work, tells every attached session to go away, waits
// for background flushes and then flushes every dirty document. Attach and
// SubmitSteps fail with ErrClosed afterwards, so nothing is accepted that the
// final flush would miss.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	docs := make([]*document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	m.mu.Unlock()

	for _, d := range docs {
		// Taking the lock waits out a submission already past its closed check.
		d.mu.Lock()
		if ids := m.sessions.Reset(d.id, d.version); len(ids) > 0 {
			m.logger.Info("Closed sessions on shutdown", "doc", d.id, "sessions", len(ids))
		}
		d.mu.Unlock()
	}
	m.flushes.Wait()
	return m.disk.Close(ctx)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// acquire returns docID locked and loaded, creating and loading it if needed.
func (m *Manager) acquire(ctx context.Context, docID string) (*document, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		d, ok := m.docs[docID]
		if !ok {
			d = &document{id: docID}
			m.docs[docID] = d
			metrics.ActiveDocuments.Inc()
		}
		m.mu.Unlock()

		d.mu.Lock()
		if d.gone {
			d.mu.Unlock()
			continue
		}
		if d.corrupt {
			m.logger.Warn("Reloading document from last durable snapshot", "doc", docID)
			d.loaded, d.corrupt = false, false
		}
		if !d.loaded {
			if err := m.load(ctx, d); err != nil {
				m.dropLocked(d, "load_failed")
				d.mu.Unlock()
				return nil, err
			}
		}
		return d, nil
	}
}

// live returns docID locked if it is in memory.
func (m *Manager) live(docID string) (*document, error) {
	m.mu.Lock()
	d, ok := m.docs[docID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotAttached
	}
	d.mu.Lock()
	if d.gone || !d.loaded {
		d.mu.Unlock()
		return nil, ErrNotAttached
	}
	return d, nil
}

func (m *Manager) load(ctx context.Context, d *document) error {
	rec, err := m.disk.Load(ctx, d.id)
	switch {
	case errors.Is(err, disk.ErrNotFound):
		rec = store.Record{UID: d.id, Doc: m.schema.Empty(), Created: m.opts.Now().UnixMilli()}
		m.logger.Info("Starting new document", "doc", d.id)
	case err != nil:
		m.logger.Error("Document load failed", "doc", d.id, "error", err)
		return &DocumentLoadError{DocumentID: d.id, Err: err}
	default:
		if err := m.schema.Validate(rec.Doc); err != nil {
			m.logger.Error("Persisted document does not match schema", "doc", d.id, "error", err)
			return &DocumentLoadError{DocumentID: d.id, Err: fmt.Errorf("%w: %w", disk.ErrCorruptRecord, err)}
		}
		m.logger.Info("Loaded document", "doc", d.id, "version", rec.Version)
	}
	d.doc, d.version, d.created = rec.Doc, rec.Version, rec.Created
	d.log = versionlog.New(rec.Version)
	d.loaded = true
	d.idleSince = time.Time{}
	d.persistFailed.Store(false)
	d.publish()
	return nil
}

// markCorrupt refuses further writes to d until it is reloaded. Steps that
// were accepted but not yet persisted are lost.
func (m *Manager) markCorrupt(d *document, cause error) error {
	d.corrupt = true
	metrics.CorruptLogs.Inc()
	m.disk.Discard(d.id)
	ids := m.sessions.Reset(d.id, d.version)
	m.logger.Error("Version log corrupt; unpersisted steps are lost, reloading from last durable snapshot",
		"doc", d.id, "version", d.version, "sessions", len(ids), "error", cause)
	return fmt.Errorf("%w: %s: %v", ErrCorruptLog, d.id, cause)
}

func (m *Manager) dropLocked(d *document, reason string) {
	d.gone = true
	m.mu.Lock()
	if m.docs[d.id] == d {
		delete(m.docs, d.id)
		metrics.ActiveDocuments.Dec()
	}
	m.mu.Unlock()
	metrics.Evictions.WithLabelValues(reason).Inc()
	m.logger.Info("Evicted document", "doc", d.id, "reason", reason, "version", d.version)
}

func (m *Manager) persistenceFailed(docID string, err error) {
	m.mu.Lock()
	d := m.docs[docID]
	m.mu.Unlock()
	if d != nil {
		d.persistFailed.Store(true)
	}
	m.logger.Error("PersistenceFailed: serving document from memory until a write succeeds",
		"doc", docID, "error", err)
}
