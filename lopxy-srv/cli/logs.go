package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lopxy/lopxy/lopxy-srv/status"
)

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show requests that failed or returned a non-2xx status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, err := requireRunning(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			records, err := client.Logs(cmd.Context())
			if err != nil {
				return err
			}
			if !follow {
				if opts.jsonOutput {
					return printJSON(out, records)
				}
				printRecords(out, records)
				return nil
			}

			var since int64
			for _, rec := range records {
				printRecord(out, rec, opts.jsonOutput)
				since = rec.Timestamp
			}
			return client.Watch(cmd.Context(), since, func(rec status.Record) {
				printRecord(out, rec, opts.jsonOutput)
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new records (like tail -f)")
	return cmd
}

func printRecords(w io.Writer, records []status.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No abnormal requests")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPID\tPROCESS\tPATH\tSTATUS")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", formatTimestamp(rec.Timestamp), rec.PID, orDash(rec.BinName), rec.Path, rec.Status)
	}
	_ = tw.Flush()
}

func printRecord(w io.Writer, rec status.Record, asJSON bool) {
	if asJSON {
		_ = printJSON(w, rec)
		return
	}
	fmt.Fprintf(w, "%s  %d  %s  %s  %s\n", formatTimestamp(rec.Timestamp), rec.PID, orDash(rec.BinName), rec.Path, rec.Status)
}

func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05.000")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most failing paths kept by the statistics backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, err := requireRunning(cfg)
			if err != nil {
				return err
			}
			summaries, err := client.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No history")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "COUNT\tPATH\tLAST STATUS\tLAST SEEN")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Count, s.Path, s.LastStatus, s.LastSeen.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of paths to show")
	return cmd
}
