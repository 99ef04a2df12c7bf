// Package pgstore keeps document records in a PostgreSQL table.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/internal/store"
)

const createTable = `
CREATE TABLE IF NOT EXISTS documents (
	uid     TEXT PRIMARY KEY,
	doc     JSONB NOT NULL,
	version INTEGER NOT NULL,
	created BIGINT NOT NULL
)`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to url and creates the documents table when missing.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (store.Record, error) {
	rec := store.Record{UID: id}
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc, version, created FROM documents WHERE uid = $1`, id,
	).Scan(&doc, &rec.Version, &rec.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	rec.Doc = doc
	return rec, nil
}

// SetItem upserts rec. The created stamp of an existing row is kept.
func (s *Store) SetItem(ctx context.Context, id string, rec store.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (uid, doc, version, created) VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid) DO UPDATE SET doc = EXCLUDED.doc, version = EXCLUDED.version`,
		id, string(rec.Doc), rec.Version, rec.Created)
	return err
}

func (s *Store) Iterate(ctx context.Context, fn func(store.Record) error) error {
	rows, err := s.pool.Query(ctx, `SELECT uid, doc, version, created FROM documents ORDER BY uid`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var rec store.Record
		var doc []byte
		if err := rows.Scan(&rec.UID, &doc, &rec.Version, &rec.Created); err != nil {
			return err
		}
		rec.Doc = doc
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
