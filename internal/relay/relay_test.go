package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/session"
)

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := NewPublisher(nil, 1, nil)
	p.Enqueue("d1", session.Update{Version: 1})
	p.Enqueue("d1", session.Update{Version: 2})
	require.Len(t, p.queue, 1)
	assert.Equal(t, 1, (<-p.queue).Update.Version)
}

func TestQueueSizeHasFloor(t *testing.T) {
	p := NewPublisher(nil, 0, nil)
	assert.Equal(t, DefaultQueueSize, cap(p.queue))
	for v := 1; v <= 100; v++ {
		p.Enqueue("d1", session.Update{Version: v})
	}
	assert.Len(t, p.queue, 100)
}

func TestPublishSubscribe(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	msgs := Subscribe(ctx, rdb, "relay-test", nil)
	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)

	p := NewPublisher(rdb, 8, nil)
	go p.Run(ctx)
	p.Enqueue("relay-test", session.Update{Version: 1})
	p.Enqueue("relay-test", session.Update{Version: 2})

	for want := 1; want <= 2; want++ {
		select {
		case msg := <-msgs:
			assert.Equal(t, "relay-test", msg.DocumentID)
			assert.Equal(t, want, msg.Update.Version)
		case <-ctx.Done():
			t.Fatal("timed out waiting for relay message")
		}
	}
}
