package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/config"
	"collabtext/internal/schema"
	"collabtext/internal/store"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List the documents in the configured store",
	Long: `Lists every persisted document with its version and size. Run it against
a stopped server when using an embedded store (badger, bolt); those take an
exclusive lock on their files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		st, err := openStore(cmd.Context(), cfg.Store, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UID\tVERSION\tCHARS\tCREATED")
		err = st.Iterate(cmd.Context(), func(rec store.Record) error {
			chars := "?"
			if text, err := schema.PlainText(rec.Doc); err == nil {
				chars = fmt.Sprint(len([]rune(text)))
			}
			created := time.UnixMilli(rec.Created).UTC().Format(time.RFC3339)
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.UID, rec.Version, chars, created)
			return nil
		})
		if err != nil {
			return err
		}
		return w.Flush()
	},
}
