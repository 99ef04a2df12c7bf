package main

import (
	"context"
	"fmt"
	"log/slog"

	"collabtext/internal/config"
	"collabtext/internal/store"
	"collabtext/internal/store/badgerstore"
	"collabtext/internal/store/boltstore"
	"collabtext/internal/store/pgstore"
	"collabtext/internal/store/redisstore"
)

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Backend {
	case "memory":
		logger.Warn("Using the in-memory store; documents are lost on exit")
		return store.NewMemory(), nil
	case "redis":
		st, err = redisstore.Open(ctx, cfg.RedisAddr)
	case "postgres":
		st, err = pgstore.Open(ctx, cfg.DatabaseURL)
	case "badger":
		st, err = badgerstore.Open(badgerstore.Config{Path: cfg.Path, Logger: logger})
	case "bolt":
		st, err = boltstore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to document store", "backend", cfg.Backend)
	return st, nil
}
