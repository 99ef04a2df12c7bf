// Package server exposes the manager over HTTP: one websocket per editing
// session plus a few read-only endpoints for health checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"collabtext/internal/manager"
	"collabtext/internal/session"
	"collabtext/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 1 << 20
	attachWait = 30 * time.Second
)

type Options struct {
	// RateLimit and Burst bound inbound messages per connection.
	RateLimit rate.Limit
	Burst     int
	Logger    *slog.Logger
}

type Server struct {
	m        *manager.Manager
	router   *mux.Router
	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger
}

func New(m *manager.Manager, opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		m:    m,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "server"),
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws/{docID}", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/docs/{docID}/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/docs/{docID}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	v, err := s.m.GetCurrentVersion(r.Context(), docID)
	if err != nil {
		s.logger.Warn("Version lookup failed", "doc", docID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentID": docID, "version": v})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	st, ok := s.m.Status(docID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "document not in memory"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentID":         docID,
		"version":            st.Version,
		"sessions":           s.m.Sessions(docID),
		"dirty":              st.Dirty,
		"persistenceFailing": st.PersistenceFailing,
	})
}

// conn is one attached websocket. readPump owns the manager calls for the
// session and writePump owns every write to the socket.
type conn struct {
	s        *Server
	ws       *websocket.Conn
	docID    string
	clientID string
	gen      uint64
	updates  <-chan session.Update
	send     chan wire.Message
	limiter  *rate.Limiter
	done     chan struct{}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	s.logger.Info("New connection for document", "doc", docID, "remote", r.RemoteAddr)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", "doc", docID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), attachWait)
	att, err := s.m.Attach(ctx, docID, r.URL.Query().Get("clientID"))
	cancel()
	if err != nil {
		code := wire.CodeInternal
		if errors.Is(err, manager.ErrDocumentLoad) {
			code = wire.CodeLoad
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(wire.Message{Type: wire.TypeError, Code: code, Error: err.Error()})
		ws.Close()
		return
	}

	c := &conn{
		s:        s,
		ws:       ws,
		docID:    docID,
		clientID: att.ClientID,
		gen:      att.Gen,
		updates:  att.Updates,
		send:     make(chan wire.Message, 16),
		limiter:  rate.NewLimiter(s.opts.RateLimit, s.opts.Burst),
		done:     make(chan struct{}),
	}
	c.send <- wire.Message{Type: wire.TypeInit, ClientID: att.ClientID, Version: att.Version, Doc: att.Doc}
	go c.writePump()
	c.readPump()
}

func (c *conn) reply(msg wire.Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *conn) fail(code string, err error) {
	c.reply(wire.Message{Type: wire.TypeError, Code: code, Error: err.Error()})
}

func (c *conn) readPump() {
	defer func() {
		// A session the registry already dropped, or replaced with a newer
		// generation, reports ErrNotAttached here.
		if err := c.s.m.DetachSession(c.docID, c.clientID, c.gen); err != nil && !errors.Is(err, manager.ErrNotAttached) {
			c.s.logger.Warn("Detach failed", "doc", c.docID, "client", c.clientID, "error", err)
		}
		close(c.done)
	}()
	c.ws.SetReadLimit(maxMessage)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.s.m.Touch(c.docID, c.clientID)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg wire.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.s.logger.Info("Client disconnected", "doc", c.docID, "client", c.clientID, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if !c.limiter.Allow() {
			c.reply(wire.Message{Type: wire.TypeError, Code: wire.CodeRateLimited, Version: msg.Version, Error: "slow down"})
			continue
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one client message and reports whether the session
// should stay open.
func (c *conn) handle(msg wire.Message) bool {
	m := c.s.m
	switch msg.Type {
	case wire.TypeSteps:
		v, err := m.SubmitSteps(context.Background(), c.docID, c.clientID, msg.Version, msg.Steps)
		var conflict *manager.VersionConflict
		switch {
		case err == nil:
			c.reply(wire.Message{Type: wire.TypeAccepted, Version: v})
		case errors.As(err, &conflict):
			c.reply(wire.Message{Type: wire.TypeConflict, Version: conflict.Current, Entries: conflict.Missed})
		case errors.Is(err, manager.ErrHistoryTruncated):
			c.fail(wire.CodeHistoryTruncated, err)
			return false
		case errors.Is(err, manager.ErrCorruptLog):
			c.fail(wire.CodeCorruptLog, err)
			return false
		case errors.Is(err, manager.ErrNotAttached):
			c.fail(wire.CodeNotAttached, err)
			return false
		case errors.Is(err, manager.ErrClosed):
			c.fail(wire.CodeInternal, err)
			return false
		case errors.Is(err, manager.ErrFutureVersion):
			c.fail(wire.CodeFutureVersion, err)
		default:
			var invalid *manager.InvalidStepError
			if errors.As(err, &invalid) {
				c.fail(wire.CodeInvalidStep, err)
			} else {
				c.fail(wire.CodeInternal, err)
			}
		}
	case wire.TypeAck:
		err := m.Ack(c.docID, c.clientID, msg.Version)
		switch {
		case errors.Is(err, manager.ErrFutureVersion):
			c.fail(wire.CodeFutureVersion, err)
		case err != nil:
			c.fail(wire.CodeNotAttached, err)
			return false
		}
	case wire.TypePing:
		if err := m.Touch(c.docID, c.clientID); err != nil {
			c.fail(wire.CodeNotAttached, err)
			return false
		}
	default:
		c.fail(wire.CodeBadRequest, errors.New("unknown message type: "+msg.Type))
	}
	return true
}

func (c *conn) write(msg wire.Message) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case u, ok := <-c.updates:
			if !ok {
				// Replaced by a newer connection or dropped for falling behind.
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session closed"))
				return
			}
			msg := wire.Message{Type: wire.TypeUpdate, Version: u.Version, Entries: u.Entries}
			if u.Reset {
				_ = c.write(wire.Message{Type: wire.TypeReset, Version: u.Version})
				return
			}
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Drain replies already queued so the client sees the final error.
			for {
				select {
				case msg := <-c.send:
					_ = c.write(msg)
				default:
					_ = c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
