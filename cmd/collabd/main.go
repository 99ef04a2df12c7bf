// Command collabd runs the collaborative editing sync server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "collabd",
	Short: "Collaborative text editing sync server",
	Long: `collabd is the single authority for a set of documents. Editors attach
over a websocket, submit steps against the version they last saw and receive
the steps other editors made.

Examples:
  collabd serve                          # in-memory store on :8081
  collabd serve --config collabd.yaml    # settings from a file
  COLLAB_STORE=redis REDIS_ADDR=localhost:6379 collabd serve`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, docsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
