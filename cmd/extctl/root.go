package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ExtensionHost/sdk/go/exthost"
)

// options holds the persistent flags shared by every command.
type options struct {
	server  string
	token   string
	timeout time.Duration
	output  string
	out     io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}
	root := &cobra.Command{
		Use:   "extctl",
		Short: "Inspect and drive an extension host",
		Long: `extctl talks to the exthostd REST API.

Available subcommands:
  list      - List extensions and their activation state
  get       - Show one extension
  activate  - Activate an extension and its dependencies
  event     - Fire an activation event
  messages  - Show activation diagnostics
  history   - Show the activation history
  graph     - Report dependency cycles and missing dependencies`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("EXTHOST_SERVER", "http://127.0.0.1:8080"), "extension host base URL (or set EXTHOST_SERVER)")
	flags.StringVar(&opts.token, "token", os.Getenv("EXTHOST_TOKEN"), "bearer token (or set EXTHOST_TOKEN)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newListCmd(opts),
		newGetCmd(opts),
		newActivateCmd(opts),
		newEventCmd(opts),
		newMessagesCmd(opts),
		newHistoryCmd(opts),
		newGraphCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *options) client() (*exthost.Client, error) {
	client, err := exthost.NewClient(o.server, nil)
	if err != nil {
		return nil, err
	}
	client.SetToken(o.token)
	return client, nil
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

// render prints v as JSON or hands a tabwriter to table.
func (o *options) render(v any, table func(w *tabwriter.Writer)) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table", "":
		w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
		table(w)
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
}
