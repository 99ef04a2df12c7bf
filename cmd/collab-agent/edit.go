package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"collabtext/internal/client"
	"collabtext/internal/schema"
	"collabtext/internal/step"
)

var clientID string

var editCmd = &cobra.Command{
	Use:   "edit <document>",
	Short: "Append lines from stdin to a document and print it as it changes",
	Long: `Reads lines from stdin. A plain line is appended to the document. Lines
starting with a colon are commands:

  :del N     delete the last N characters
  :print     print the document
  :quit      leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		addr, err := resolveServer(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		c, err := client.Dial(ctx, addr, args[0], client.Options{
			ClientID: clientID,
			OnChange: func(doc json.RawMessage, version int) {
				printDoc(out, doc, version)
			},
			OnDropped: func(ps []step.Payload, reason error) {
				fmt.Fprintf(out, "! %d local edits dropped: %v\n", len(ps), reason)
			},
		})
		if err != nil {
			return err
		}
		defer c.Close()
		fmt.Fprintf(out, "attached to %s as %s at version %d\n", args[0], c.Editor().ClientID(), c.Editor().Version())
		printDoc(out, c.Editor().Doc(), c.Editor().Version())

		runErr := make(chan error, 1)
		go func() { runErr <- c.Run(ctx) }()

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-runErr:
				return err
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := editLine(c, out, line)
				if err != nil {
					fmt.Fprintln(out, "!", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

func init() {
	editCmd.Flags().StringVar(&clientID, "client", "", "client id to attach as (default: assigned by the server)")
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// editLine turns one input line into steps. quit is true for :quit.
func editLine(c *client.Conn, out io.Writer, line string) (quit bool, err error) {
	text, err := schema.PlainText(c.Editor().Doc())
	if err != nil {
		return false, err
	}
	n := utf8.RuneCountInString(text)
	switch {
	case line == ":quit":
		return true, nil
	case line == ":print":
		printDoc(out, c.Editor().Doc(), c.Editor().Version())
		return false, nil
	case strings.HasPrefix(line, ":del "):
		var k int
		if _, err := fmt.Sscanf(line, ":del %d", &k); err != nil || k <= 0 {
			return false, fmt.Errorf("usage: :del N")
		}
		k = min(k, n)
		return false, c.Edit(schema.Delete(n-k, k))
	default:
		if n > 0 {
			line = "\n" + line
		}
		return false, c.Edit(schema.Insert(n, line))
	}
}

func printDoc(out io.Writer, doc json.RawMessage, version int) {
	text, err := schema.PlainText(doc)
	if err != nil {
		fmt.Fprintln(out, "! unreadable document:", err)
		return
	}
	fmt.Fprintf(out, "--- v%d ---\n%s\n", version, text)
}
