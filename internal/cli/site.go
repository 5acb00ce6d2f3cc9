package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSiteCommand creates the site command group.
func NewSiteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage per-site offline data",
	}
	cmd.AddCommand(newSitePurgeCommand(rootOpts))
	cmd.AddCommand(newSiteListCommand(rootOpts))
	return cmd
}

func newSitePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <site>",
		Short: "Delete all queued writes and staged files of a site",
		Long: `Delete all offline data of a site, as when its account is removed
from the device. Unsent writes are lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			removed, err := e.queue.PurgeSite(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to purge site", err)
			}
			return rootOpts.formatter(cmd).Success(
				map[string]any{"site": args[0], "removed": removed},
				fmt.Sprintf("Purged site %s: %d pending mutations removed\n", args[0], removed),
			)
		},
	}
}

func newSiteListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sites with queued writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			sites, err := e.queue.Sites(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list sites", err)
			}

			text := "No sites with pending mutations.\n"
			if len(sites) > 0 {
				text = ""
				for _, s := range sites {
					text += s + "\n"
				}
			}
			return rootOpts.formatter(cmd).Success(sites, text)
		},
	}
}
