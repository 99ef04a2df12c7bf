package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/internal/relay"
)

var redisAddr string

var watchCmd = &cobra.Command{
	Use:   "watch <document>",
	Short: "Print accepted steps published on the Redis relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to Redis at %s: %w", redisAddr, err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "following %s on %s\n", relay.Channel(args[0]), redisAddr)
		for msg := range relay.Subscribe(ctx, rdb, args[0], nil) {
			for _, e := range msg.Update.Entries {
				fmt.Fprintf(out, "v%d %s %s\n", e.Version, e.ClientID, e.Step.Payload)
			}
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "collab-agent", version)
	},
}

var version = "dev"

func init() {
	watchCmd.Flags().StringVar(&redisAddr, "redis", "localhost:6379", "Redis address of the relay")
}
