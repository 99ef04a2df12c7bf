// Package redisstore keeps document records as JSON strings in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"collabtext/internal/store"
)

const keyPrefix = "collab:doc:"

type Store struct {
	rdb *redis.Client
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. Close closes the client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Open connects to addr and verifies the connection with a ping.
func Open(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return New(rdb), nil
}

func (s *Store) GetItem(ctx context.Context, id string) (store.Record, error) {
	buf, err := s.rdb.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return store.Decode(buf)
}

func (s *Store) SetItem(ctx context.Context, id string, rec store.Record) error {
	buf, err := store.Encode(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyPrefix+id, buf, 0).Err()
}

func (s *Store) Iterate(ctx context.Context, fn func(store.Record) error) error {
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		buf, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted mid-scan
		}
		if err != nil {
			return err
		}
		rec, err := store.Decode(buf)
		if err != nil {
			return fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
