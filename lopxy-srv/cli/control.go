package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lopxy/lopxy/lopxy-srv/instance"
)

const stopTimeout = 30 * time.Second

func newStopCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client := runningClient(cfg)
			if client == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "lopxy is not running")
				return nil
			}
			if err := client.Shutdown(cmd.Context()); err != nil {
				return fmt.Errorf("failed to stop lopxy: %w", err)
			}

			// the instance file disappears once connections have drained
			deadline := time.Now().Add(timeout)
			for instance.Running(cfg.InstancePath()) != nil {
				if time.Now().After(deadline) {
					return fmt.Errorf("lopxy did not stop within %s", timeout)
				}
				time.Sleep(100 * time.Millisecond)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "lopxy stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", stopTimeout, "How long to wait for open connections to drain")
	return cmd
}

func newEnableCommand(opts *rootOptions, enabled bool) *cobra.Command {
	use, short := "enable", "Install lopxy as system proxy"
	if !enabled {
		use, short = "disable", "Put back the system proxy found at start"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
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
			ok, err := client.SetProxyEnabled(cmd.Context(), enabled)
			if err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]bool{"result": ok})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lopxy proxy enabled : %t\n", enabled && ok)
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether lopxy runs and owns the system proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			client := runningClient(cfg)
			if client == nil {
				if opts.jsonOutput {
					return printJSON(out, map[string]any{"running": false})
				}
				fmt.Fprintln(out, "lopxy web manager running : false")
				fmt.Fprintln(out, "lopxy proxy enabled : false")
				return nil
			}

			report, err := client.Status(cmd.Context(), 0, 0)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(out, report)
			}
			fmt.Fprintln(out, "lopxy web manager running : true")
			fmt.Fprintf(out, "lopxy proxy enabled : %t\n", report.ProxyEnabled)
			fmt.Fprintf(out, "web manager port : %d\n", report.WebManagerPort)
			fmt.Fprintf(out, "proxy port : %d\n", report.ProxyPort)
			fmt.Fprintf(out, "proxy items : %d\n", len(report.ProxyItems))
			fmt.Fprintf(out, "abnormal requests : %d\n", len(report.RequestStatusLogs))
			return nil
		},
	}
}
