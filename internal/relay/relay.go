// Package relay republishes accepted batches on Redis pub/sub so that
// processes outside the sync server (indexers, audit trails) can follow
// documents without attaching a session.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"collabtext/internal/session"
)

// Message is the JSON payload published per accepted batch.
type Message struct {
	DocumentID string         `json:"documentID"`
	Update     session.Update `json:"update"`
}

// Channel is the pub/sub channel for docID.
func Channel(docID string) string {
	return "collab:" + docID
}

// Publisher queues messages so the manager never waits on Redis while it
// holds a document. One goroutine publishes, which keeps per-document order.
type Publisher struct {
	rdb    *redis.Client
	logger *slog.Logger
	queue  chan Message
}

// DefaultQueueSize is the queue length used when NewPublisher gets none.
const DefaultQueueSize = 4096

// NewPublisher returns a publisher that queues up to size messages. The queue
// absorbs bursts from every document at once, so size <= 0 picks
// DefaultQueueSize.
func NewPublisher(rdb *redis.Client, size int, logger *slog.Logger) *Publisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{rdb: rdb, logger: logger.With("component", "relay"), queue: make(chan Message, size)}
}

// Enqueue matches manager.Options.OnAccepted. Messages are dropped with a
// warning when the queue is full.
func (p *Publisher) Enqueue(docID string, u session.Update) {
	select {
	case p.queue <- Message{DocumentID: docID, Update: u}:
	default:
		p.logger.Warn("Relay queue full, dropping update", "doc", docID, "version", u.Version)
	}
}

// Run publishes queued messages until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.queue:
			buf, err := json.Marshal(msg)
			if err != nil {
				p.logger.Error("Could not encode relay message", "doc", msg.DocumentID, "error", err)
				continue
			}
			if err := p.rdb.Publish(ctx, Channel(msg.DocumentID), buf).Err(); err != nil {
				p.logger.Warn("Error publishing to Redis", "doc", msg.DocumentID, "error", err)
			}
		}
	}
}

// Subscribe follows docID. The returned channel closes when ctx is done.
func Subscribe(ctx context.Context, rdb *redis.Client, docID string, logger *slog.Logger) <-chan Message {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := rdb.Subscribe(ctx, Channel(docID))
	out := make(chan Message)
	go func() {
		defer close(out)
		defer pubsub.Close()
		redisChan := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-redisChan:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					logger.Warn("Skipping malformed relay message", "doc", docID, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
