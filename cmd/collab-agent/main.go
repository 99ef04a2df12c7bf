// Command collab-agent is a terminal editor for a collabd document. It finds
// the server over mDNS unless --addr is given.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/discovery"
)

var (
	serverAddr      string
	service         string
	discoverTimeout time.Duration
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "collab-agent",
	Short: "Edit and follow collabd documents from a terminal",
	Long: `collab-agent attaches to a document on a collabd server.

Examples:
  collab-agent edit notes                     # discover the server, type lines to append
  collab-agent edit notes --addr host:8081    # skip discovery
  collab-agent watch notes --redis host:6379  # follow accepted steps through the relay`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "server host:port (default: discover over mDNS)")
	rootCmd.PersistentFlags().StringVar(&service, "service", discovery.DefaultService, "mDNS service to browse for")
	rootCmd.PersistentFlags().DurationVar(&discoverTimeout, "discover-timeout", 15*time.Second, "how long to browse for a server")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection activity")
	rootCmd.AddCommand(editCmd, watchCmd, versionCmd)
}

// resolveServer returns --addr or the first server found over mDNS.
func resolveServer(ctx context.Context) (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()
	addr, err := discovery.Find(ctx, service)
	if err != nil {
		return "", fmt.Errorf("%w (pass --addr to skip discovery)", err)
	}
	slog.Info("mDNS discovered server", "addr", addr)
	return addr, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
