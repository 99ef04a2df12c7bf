// Package boltstore keeps document records in a single bbolt file.
package boltstore

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/internal/store"
)

var bucket = []byte("documents")

type Store struct {
	db *bolt.DB
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) GetItem(_ context.Context, id string) (store.Record, error) {
	var buf []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		// Values are only valid for the life of the transaction.
		if v := tx.Bucket(bucket).Get([]byte(id)); v != nil {
			buf = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return store.Record{}, err
	}
	if buf == nil {
		return store.Record{}, store.ErrNotFound
	}
	return store.Decode(buf)
}

func (s *Store) SetItem(_ context.Context, id string, rec store.Record) error {
	buf, err := store.Encode(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), buf)
	})
}

func (s *Store) Iterate(ctx context.Context, fn func(store.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := store.Decode(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			return fn(rec)
		})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
