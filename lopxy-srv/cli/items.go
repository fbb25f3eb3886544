package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lopxy/lopxy/lopxy-srv/config"
	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/registry"
)

// itemStore is the redirect table of the running instance or, when none
// runs, the registry file itself.
type itemStore interface {
	List(ctx context.Context) ([]registry.ProxyItem, error)
	Add(ctx context.Context, resourceURL, target, contentType string) (bool, error)
	Remove(ctx context.Context, resourceURL string) (bool, error)
	Modify(ctx context.Context, resourceURL, target, contentType string) (bool, error)
}

// fileItems edits config.hcl directly
type fileItems struct {
	reg *registry.Registry
}

func (f *fileItems) List(context.Context) ([]registry.ProxyItem, error) {
	return f.reg.List(), nil
}

func (f *fileItems) Add(_ context.Context, resourceURL, target, contentType string) (bool, error) {
	return result(f.reg.Add(resourceURL, target, contentType))
}

func (f *fileItems) Remove(_ context.Context, resourceURL string) (bool, error) {
	return result(f.reg.Remove(resourceURL))
}

func (f *fileItems) Modify(_ context.Context, resourceURL, target, contentType string) (bool, error) {
	return result(f.reg.Modify(resourceURL, target, contentType))
}

func result(err error) (bool, error) {
	if err != nil {
		return false, err
	}
	return true, nil
}

func openItems(cfg *config.Config) (itemStore, error) {
	if client := runningClient(cfg); client != nil {
		return client, nil
	}
	logger.Debug("lopxy is not running, editing %s", cfg.RegistryPath())
	reg, err := registry.Open(registry.NewFileStore(cfg.RegistryPath()))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", cfg.RegistryPath(), err)
	}
	return &fileItems{reg: reg}, nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the redirect table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			items, err := openItems(cfg)
			if err != nil {
				return err
			}
			list, err := items.List(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printItems(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func printItems(w io.Writer, items []registry.ProxyItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No proxy items")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tPROXY RESOURCE\tCONTENT TYPE")
	for _, item := range items {
		contentType := item.ContentType
		if !item.IsFile() || contentType == "" {
			contentType = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", item.ResourceURL, item.ProxyResourceURL, contentType)
	}
	_ = tw.Flush()
}

type itemFlags struct {
	resource    string
	proxy       string
	contentType string
}

func (f *itemFlags) register(cmd *cobra.Command, withTarget bool) {
	cmd.Flags().StringVarP(&f.resource, "resource", "r", "", "Resource URL to redirect")
	_ = cmd.MarkFlagRequired("resource")
	if !withTarget {
		return
	}
	cmd.Flags().StringVarP(&f.proxy, "proxy", "p", "", "Substitute URL (http://, https:// or file://)")
	cmd.Flags().StringVarP(&f.contentType, "content-type", "c", config.DefaultContentType, "Content type of file targets")
	_ = cmd.MarkFlagRequired("proxy")
}

func newAddCommand(opts *rootOptions) *cobra.Command {
	flags := &itemFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a redirect",
		Example: `  lopxy add -r https://cdn.example.com/app.js -p file:///home/dev/app.js -c application/javascript
  lopxy add -r http://example.com/api -p http://localhost:3000/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItemCommand(cmd, opts, "add", func(ctx context.Context, items itemStore) (bool, error) {
				return items.Add(ctx, flags.resource, flags.proxy, flags.contentType)
			})
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	flags := &itemFlags{}
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a redirect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItemCommand(cmd, opts, "remove", func(ctx context.Context, items itemStore) (bool, error) {
				return items.Remove(ctx, flags.resource)
			})
		},
	}
	flags.register(cmd, false)
	return cmd
}

func newModifyCommand(opts *rootOptions) *cobra.Command {
	flags := &itemFlags{}
	cmd := &cobra.Command{
		Use:   "modify",
		Short: "Change the target of a redirect, adding it when absent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItemCommand(cmd, opts, "modify", func(ctx context.Context, items itemStore) (bool, error) {
				return items.Modify(ctx, flags.resource, flags.proxy, flags.contentType)
			})
		},
	}
	flags.register(cmd, true)
	return cmd
}

func runItemCommand(cmd *cobra.Command, opts *rootOptions, action string, fn func(context.Context, itemStore) (bool, error)) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	items, err := openItems(cfg)
	if err != nil {
		return err
	}

	ok, err := fn(cmd.Context(), items)
	if opts.jsonOutput {
		res := map[string]any{"result": ok}
		if err != nil {
			res["error"] = err.Error()
		}
		return printJSON(cmd.OutOrStdout(), res)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", action, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s proxy item: %t\n", action, ok)
	return nil
}
