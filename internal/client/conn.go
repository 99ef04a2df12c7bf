package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabtext/internal/schema"
	"collabtext/internal/step"
	"collabtext/internal/wire"
)

var (
	// ErrReset means the server dropped the session because the document was
	// reloaded; the connection reattaches.
	ErrReset = errors.New("document was reset by the server")
	// ErrSubmitTimeout means a batch got no reply in time. Its outcome is
	// unknown and the connection reattaches before sending again.
	ErrSubmitTimeout = errors.New("no reply to submitted steps")
)

// ServerError is an error message sent by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("server error %s: %s", e.Code, e.Message) }

type Options struct {
	ClientID string
	Schema   schema.Schema

	// SubmitTimeout bounds the wait for a reply to a submitted batch.
	SubmitTimeout time.Duration
	// MaxReconnect bounds the time spent reconnecting. Zero retries forever.
	MaxReconnect time.Duration

	// OnChange is called from the connection's goroutine after the document
	// changed, locally or remotely.
	OnChange func(doc json.RawMessage, version int)
	// OnDropped receives local steps the server refused or could not keep.
	OnDropped func(payloads []step.Payload, reason error)

	Logger     *slog.Logger
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Conn keeps an Editor attached to one document on a collabd server and
// reconnects with exponential backoff when the socket drops.
type Conn struct {
	base   url.URL
	docID  string
	opts   Options
	logger *slog.Logger
	editor *Editor
	kick   chan struct{}

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// Dial attaches to docID on the server at addr (host:port) and returns once
// the initial document has arrived.
func Dial(ctx context.Context, addr, docID string, opts Options) (*Conn, error) {
	if opts.Schema == nil {
		opts.Schema = schema.Text{}
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		base:   url.URL{Scheme: "http", Host: addr},
		docID:  docID,
		opts:   opts,
		logger: logger.With("component", "client", "doc", docID),
		kick:   make(chan struct{}, 1),
	}
	ws, init, err := c.attach(ctx, opts.ClientID)
	if err != nil {
		return nil, err
	}
	e, err := NewEditor(opts.Schema, init.ClientID, init.Doc, init.Version)
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.editor = e
	c.opts.ClientID = init.ClientID
	c.setWS(ws)
	return c, nil
}

func (c *Conn) Editor() *Editor { return c.editor }

// Edit applies local steps and queues them for submission.
func (c *Conn) Edit(payloads ...step.Payload) error {
	if err := c.editor.Apply(payloads...); err != nil {
		return err
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// Close closes the socket; Run returns once it notices.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) setWS(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// Run pumps the session until ctx is done, reattaching after failures.
func (c *Conn) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		err := c.session(ctx, ws)
		ws.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		c.editor.Interrupted()
		c.logger.Warn("Session ended, reconnecting", "error", err)
		if err := c.reconnect(ctx, err); err != nil {
			return err
		}
	}
}

// reconnect asks the server for the current version before attaching again
// so that an interrupted submit is resolved against the real history.
func (c *Conn) reconnect(ctx context.Context, cause error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.opts.MaxReconnect
	var (
		ws   *websocket.Conn
		init wire.Message
	)
	err := backoff.RetryNotify(func() error {
		v, err := c.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		c.logger.Info("Server is back", "version", v, "confirmed", c.editor.Version())
		ws, init, err = c.attach(ctx, c.opts.ClientID)
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		c.logger.Warn("Reconnect failed", "error", err, "retryIn", d)
	})
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	var serr *ServerError
	mustReset := errors.Is(cause, ErrReset) ||
		(errors.As(cause, &serr) && (serr.Code == wire.CodeHistoryTruncated || serr.Code == wire.CodeFutureVersion))
	if c.editor.Resync(init.Version) || mustReset {
		dropped, err := c.editor.Reset(init.Doc, init.Version)
		if err != nil {
			ws.Close()
			return err
		}
		c.logger.Warn("Local history discarded after reattach", "version", init.Version, "dropped", len(dropped))
		if len(dropped) > 0 && c.opts.OnDropped != nil {
			c.opts.OnDropped(dropped, cause)
		}
		c.changed()
	}
	c.setWS(ws)
	return nil
}

// CurrentVersion asks the server for the document version without attaching.
func (c *Conn) CurrentVersion(ctx context.Context) (int, error) {
	u := c.base
	u.Path = "/docs/" + url.PathEscape(c.docID) + "/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("version query: %s", resp.Status)
	}
	var body struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Version, nil
}

func (c *Conn) attach(ctx context.Context, clientID string) (*websocket.Conn, wire.Message, error) {
	u := c.base
	u.Scheme = "ws"
	u.Path = "/ws/" + url.PathEscape(c.docID)
	if clientID != "" {
		u.RawQuery = url.Values{"clientID": {clientID}}.Encode()
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, wire.Message{}, err
	}
	var init wire.Message
	ws.SetReadDeadline(time.Now().Add(c.opts.SubmitTimeout))
	if err := ws.ReadJSON(&init); err != nil {
		ws.Close()
		return nil, wire.Message{}, err
	}
	ws.SetReadDeadline(time.Time{})
	if init.Type == wire.TypeError {
		ws.Close()
		return nil, wire.Message{}, &ServerError{Code: init.Code, Message: init.Error}
	}
	if init.Type != wire.TypeInit {
		ws.Close()
		return nil, wire.Message{}, fmt.Errorf("expected init, got %q", init.Type)
	}
	c.logger.Info("Attached", "client", init.ClientID, "version", init.Version)
	return ws, init, nil
}

func (c *Conn) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.editor.Doc(), c.editor.Version())
	}
}

func (c *Conn) session(ctx context.Context, ws *websocket.Conn) error {
	msgs := make(chan wire.Message)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			var msg wire.Message
			if err := ws.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	flush := func() error {
		base, payloads, ok := c.editor.Sendable()
		if !ok {
			return nil
		}
		timer.Reset(c.opts.SubmitTimeout)
		return ws.WriteJSON(wire.Message{Type: wire.TypeSteps, Version: base, Steps: payloads})
	}
	ack := func() error {
		return ws.WriteJSON(wire.Message{Type: wire.TypeAck, Version: c.editor.Version()})
	}

	if err := flush(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-timer.C:
			return ErrSubmitTimeout
		case <-c.kick:
			c.changed()
			if err := flush(); err != nil {
				return err
			}
		case msg := <-msgs:
			if err := c.handle(msg, timer); err != nil {
				return err
			}
			if msg.Type == wire.TypeUpdate || msg.Type == wire.TypeAccepted {
				if err := ack(); err != nil {
					return err
				}
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) handle(msg wire.Message, timer *time.Timer) error {
	switch msg.Type {
	case wire.TypeAccepted:
		timer.Stop()
		if err := c.editor.Accepted(msg.Version); err != nil {
			return err
		}
	case wire.TypeConflict:
		timer.Stop()
		if err := c.editor.Conflict(msg.Entries); err != nil {
			return err
		}
	case wire.TypeUpdate:
		if err := c.editor.Receive(msg.Entries); err != nil {
			return err
		}
	case wire.TypeReset:
		return ErrReset
	case wire.TypeError:
		serr := &ServerError{Code: msg.Code, Message: msg.Error}
		switch msg.Code {
		case wire.CodeInvalidStep:
			timer.Stop()
			dropped := c.editor.Rejected()
			c.logger.Warn("Server rejected local steps", "dropped", len(dropped), "error", msg.Error)
			if c.opts.OnDropped != nil {
				c.opts.OnDropped(dropped, serr)
			}
		case wire.CodeRateLimited:
			timer.Stop()
			c.editor.Interrupted()
			time.Sleep(time.Second)
		default:
			return serr
		}
	default:
		return nil
	}
	c.changed()
	return nil
}
