// Package cli implements the lopxy command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lopxy/lopxy/lopxy-srv/config"
	"github.com/lopxy/lopxy/lopxy-srv/instance"
	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/manager"
)

// Version is injected during build
var Version = "dev"

// rootOptions are the persistent flags shared by every command
type rootOptions struct {
	configPath string
	envFile    string
	debug      bool
	jsonOutput bool
}

// NewRootCommand builds the lopxy command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "lopxy",
		Short: "lopxy is a local proxy that redirects resource URLs",
		Long: `lopxy runs a local HTTP/HTTPS proxy, installs it as the system proxy and
substitutes registered resource URLs with other URLs or local files.

The redirect table lives in ~/.lopxy/config.hcl and can be edited while
lopxy is stopped; while it runs, changes go through its web manager.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.debug {
				logger.SetLevel(logger.DEBUG)
				logger.Debug("Debug logging enabled")
			}
			if opts.envFile != "" {
				if err := loadEnvFile(opts.envFile); err != nil {
					return fmt.Errorf("failed to load envfile: %w", err)
				}
				logger.Debug("Loaded environment variables from %s", opts.envFile)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to runtime configuration file (.json)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "envfile", "", "Path to env file to load environment variables")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output command results in JSON format")

	rootCmd.AddCommand(
		newStartCommand(opts),
		newStopCommand(opts),
		newListCommand(opts),
		newAddCommand(opts),
		newRemoveCommand(opts),
		newModifyCommand(opts),
		newEnableCommand(opts, true),
		newEnableCommand(opts, false),
		newStatusCommand(opts),
		newLogsCommand(opts),
		newHistoryCommand(opts),
	)
	return rootCmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the runtime configuration. A missing or broken file
// falls back to defaults and the environment.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		if o.configPath == "" {
			return nil, err
		}
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if !o.debug && cfg.LogLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
	return cfg, nil
}

// runningClient returns a client for the running instance, nil when none runs.
func runningClient(cfg *config.Config) *manager.Client {
	info := instance.Running(cfg.InstancePath())
	if info == nil {
		return nil
	}
	return manager.NewClient(info.ManagerURL(), cfg.Manager.Secret)
}

// requireRunning is runningClient for commands that need an instance.
func requireRunning(cfg *config.Config) (*manager.Client, error) {
	client := runningClient(cfg)
	if client == nil {
		return nil, fmt.Errorf("lopxy is not running")
	}
	return client, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
