package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/manager"
	"collabtext/internal/relay"
	"collabtext/internal/schema"
	"collabtext/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "collabd", version)
	},
}

var version = "dev"

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := manager.Options{
		IdleTimeout:    cfg.Sync.IdleTimeout,
		SessionTimeout: cfg.Sync.SessionTimeout,
		SweepInterval:  cfg.Sync.SweepInterval,
		FlushTimeout:   cfg.Sync.FlushTimeout,
		MaxHistory:     cfg.Sync.MaxHistory,
		SendBuffer:     cfg.Sync.SendBuffer,
		Logger:         logger,
	}
	opts.Disk = manager.DefaultOptions().Disk
	opts.Disk.SaveEvery = cfg.Sync.SaveEvery
	opts.Disk.MaxAttempts = cfg.Sync.MaxAttempts
	if cfg.Sync.SessionTimeout == 0 {
		opts.SessionTimeout = -1
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Relay.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to relay Redis at %s: %w", cfg.Relay.RedisAddr, err)
		}
		defer rdb.Close()
		logger.Info("Connected to Redis successfully", "addr", cfg.Relay.RedisAddr, "purpose", "relay")
		pub := relay.NewPublisher(rdb, cfg.Relay.QueueSize, logger)
		opts.OnAccepted = pub.Enqueue
		g.Go(func() error { return ignoreCanceled(pub.Run(gctx)) })
	}

	m := manager.New(schema.Text{}, st, opts)
	g.Go(func() error { return ignoreCanceled(m.Run(gctx)) })

	srv := server.New(m, server.Options{
		RateLimit: rate.Limit(cfg.Sync.RateLimit),
		Burst:     cfg.Sync.Burst,
		Logger:    logger,
	})
	httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	if cfg.Discovery.Enabled {
		port := ln.Addr().(*net.TCPAddr).Port
		shutdown, err := discovery.Advertise(cfg.Discovery.Instance, cfg.Discovery.Service, port,
			[]string{"txtv=0", "path=/ws", "store=" + cfg.Store.Backend})
		if err != nil {
			logger.Warn("mDNS advertisement disabled", "error", err)
		} else {
			defer shutdown()
			logger.Info("mDNS service registered", "service", cfg.Discovery.Service, "port", port)
		}
	}

	g.Go(func() error {
		logger.Info("CollabText sync server starting", "addr", ln.Addr().String(), "store", cfg.Store.Backend)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down sync server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
		}
		if err := m.Close(sctx); err != nil {
			return fmt.Errorf("final flush: %w", err)
		}
		logger.Info("All documents flushed")
		return nil
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
