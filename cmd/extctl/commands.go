package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ExtensionHost/internal/manifest"
	"ExtensionHost/internal/registry"
	"ExtensionHost/sdk/go/exthost"
)

func newListCmd(opts *options) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extensions and their activation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			statuses, err := client.ListExtensions(ctx, state)
			if err != nil {
				return err
			}
			return opts.render(statuses, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tSTATE\tDEPENDENCIES\tERROR")
				for _, st := range statuses {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Description.ID, st.State,
						strings.Join(st.Description.ExtensionDependencies, ","), st.Error)
				}
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only show extensions in this state (known, activated, failed)")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := client.GetExtension(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.render(st, func(w *tabwriter.Writer) { writeStatus(w, st) })
		},
	}
}

func newActivateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate an extension and its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := client.Activate(ctx, args[0])
			if err != nil {
				return err
			}
			if err := opts.render(st, func(w *tabwriter.Writer) { writeStatus(w, st) }); err != nil {
				return err
			}
			if st.Failed() {
				return fmt.Errorf("extension %s failed to activate", args[0])
			}
			return nil
		},
	}
}

func writeStatus(w *tabwriter.Writer, st exthost.ExtensionStatus) {
	fmt.Fprintf(w, "ID:\t%s\n", st.Description.ID)
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	if st.Trigger != "" {
		fmt.Fprintf(w, "Trigger:\t%s\n", st.Trigger)
	}
	if st.ActivatedAt != nil {
		fmt.Fprintf(w, "Activated:\t%s (%dms)\n", st.ActivatedAt.Format(time.RFC3339), st.DurationMS)
	}
	if len(st.Description.ExtensionDependencies) > 0 {
		fmt.Fprintf(w, "Dependencies:\t%s\n", strings.Join(st.Description.ExtensionDependencies, ", "))
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", st.Error)
	}
}

func newEventCmd(opts *options) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "event <event>",
		Short: "Fire an activation event such as '*' or onCommand:foo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := client.FireEvent(ctx, args[0], async)
			if err != nil {
				return err
			}
			return opts.render(res, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "%s\t%s\n", res.Event, res.Status)
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue the event instead of waiting for activation")
	return cmd
}

func newMessagesCmd(opts *options) *cobra.Command {
	var (
		extension string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Show activation diagnostics, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			msgs, err := client.Messages(ctx, extension, limit)
			if err != nil {
				return err
			}
			return opts.render(msgs, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "TIME\tSEVERITY\tCODE\tEXTENSION\tTEXT")
				for _, m := range msgs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.OccurredAt.Format(time.RFC3339),
						m.Severity, m.Code, m.ExtensionID, m.Text)
				}
			})
		},
	}
	cmd.Flags().StringVar(&extension, "extension", "", "only show messages for this extension")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		extension string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the activation history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			records, err := client.History(ctx, extension, limit)
			if err != nil {
				return err
			}
			return opts.render(records, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "STARTED\tEXTENSION\tTRIGGER\tRESULT\tDURATION")
				for _, r := range records {
					result := "ok"
					if r.Failed {
						result = r.ErrorCode
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\n", time.UnixMilli(r.StartedAt).Format(time.RFC3339),
						r.ExtensionID, r.Trigger, result, r.DurationMS)
				}
			})
		},
	}
	cmd.Flags().StringVar(&extension, "extension", "", "only show records for this extension")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

// newGraphCmd asks the server for dependency problems, or with --dir scans a
// local extensions directory without a running host.
func newGraphCmd(opts *options) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Report dependency cycles and missing dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				graph exthost.Graph
				err   error
			)
			if dir != "" {
				graph, err = localGraph(dir, cmd.ErrOrStderr())
			} else {
				var client *exthost.Client
				if client, err = opts.client(); err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				graph, err = client.Graph(ctx)
			}
			if err != nil {
				return err
			}
			return opts.render(graph, func(w *tabwriter.Writer) { writeGraph(w, graph) })
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "scan this extensions directory instead of querying the server")
	return cmd
}

func localGraph(dir string, warn io.Writer) (exthost.Graph, error) {
	descs, problems, err := manifest.Scan(dir)
	if err != nil {
		return exthost.Graph{}, err
	}
	for _, p := range problems {
		fmt.Fprintf(warn, "skipped %s: %v\n", p.Dir, p.Err)
	}
	reg := registry.New()
	for id, err := range reg.RegisterAll(descs) {
		fmt.Fprintf(warn, "skipped %s: %v\n", id, err)
	}
	return exthost.Graph{Cycles: reg.FindCycles(), Missing: reg.MissingDependencies()}, nil
}

func writeGraph(w *tabwriter.Writer, g exthost.Graph) {
	if len(g.Cycles) == 0 && len(g.Missing) == 0 {
		fmt.Fprintln(w, "no dependency problems")
		return
	}
	for _, cycle := range g.Cycles {
		fmt.Fprintf(w, "cycle:\t%s\n", strings.Join(cycle, " -> "))
	}
	ids := make([]string, 0, len(g.Missing))
	for id := range g.Missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "missing:\t%s needs %s\n", id, strings.Join(g.Missing[id], ", "))
	}
}
