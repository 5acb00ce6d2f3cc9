package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
)

// PendingListOptions holds flags for pending list.
type PendingListOptions struct {
	*RootOptions
	Site     string
	Type     string
	Resource string
}

// PendingItem is one row of pending list.
type PendingItem struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Action      string    `json:"action"`
	Digest      string    `json:"digest"`
	Attachments bool      `json:"attachments"`
	Baseline    time.Time `json:"baseline,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// PendingStatus is the output of pending status.
type PendingStatus struct {
	Resource       string    `json:"resource"`
	HasOfflineData bool      `json:"has_offline_data"`
	Pending        int       `json:"pending"`
	LastSync       time.Time `json:"last_sync,omitzero"`
	Due            bool      `json:"due"` // last sync older than sync.interval
}

// NewPendingCommand creates the pending command group.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and discard queued offline writes",
	}
	cmd.AddCommand(newPendingListCommand(rootOpts))
	cmd.AddCommand(newPendingStatusCommand(rootOpts))
	cmd.AddCommand(newPendingDiscardCommand(rootOpts))
	return cmd
}

func newPendingListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued writes in replay order",
		Long: `List queued offline writes, oldest first.

Examples:
  offsync pending list
  offsync pending list --site s1 --type glossary-entry
  offsync pending list --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Site, "site", "", "only this site")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only this resource type")
	cmd.Flags().StringVar(&opts.Resource, "resource", "", "only this resource key")
	return cmd
}

func runPendingList(cmd *cobra.Command, opts *PendingListOptions) error {
	e, err := openEnv(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	mutations, err := e.queue.Pending(cmd.Context(), model.Filter{
		SiteID:       opts.Site,
		ResourceType: opts.Type,
		ResourceKey:  opts.Resource,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list pending mutations", err)
	}

	items := make([]PendingItem, len(mutations))
	for i, m := range mutations {
		digest, err := m.Digest()
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to hash %s", m.Key), err)
		}
		items[i] = PendingItem{
			ID:          m.ID,
			Key:         m.Key.String(),
			Action:      string(m.Action),
			Digest:      digest,
			Attachments: m.AttachmentsRef != "",
			Baseline:    m.Baseline,
			CreatedAt:   m.CreatedAt,
			ModifiedAt:  m.ModifiedAt,
		}
	}

	return opts.formatter(cmd).Success(items, renderPendingList(items))
}

func renderPendingList(items []PendingItem) string {
	if len(items) == 0 {
		return "No pending mutations.\n"
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tACTION\tDIGEST\tFILES\tCREATED")
	for _, it := range items {
		files := "-"
		if it.Attachments {
			files = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Key, it.Action, shortDigest(it.Digest), files, it.CreatedAt.UTC().Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(&b, "%d pending\n", len(items))
	return b.String()
}

func shortDigest(d string) string {
	if len(d) > model.ShortDigestLen {
		return d[:model.ShortDigestLen]
	}
	return d
}

func newPendingStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <site> <type> <resource>",
		Short: "Report whether a resource has unsent offline data",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := model.ResourceRef{SiteID: args[0], ResourceType: args[1], ResourceKey: args[2]}
			return runPendingStatus(cmd, rootOpts, ref)
		},
	}
}

func runPendingStatus(cmd *cobra.Command, opts *RootOptions, ref model.ResourceRef) error {
	if err := ref.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid resource", err)
	}

	e, err := openEnv(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	has, err := e.queue.HasOfflineData(ctx, ref)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read pending mutations", err)
	}
	n, err := e.queue.Count(ctx, model.ForResource(ref))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count pending mutations", err)
	}
	last, err := e.queue.SyncTime(ctx, ref)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sync time", err)
	}

	due, err := e.sched.NeedsSync(ctx, ref)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sync time", err)
	}

	status := PendingStatus{Resource: ref.String(), HasOfflineData: has, Pending: n, LastSync: last, Due: due}

	text := fmt.Sprintf("%s: %d pending", ref, n)
	switch {
	case last.IsZero():
		text += ", never synced\n"
	case due:
		text += ", last synced " + last.UTC().Format(time.RFC3339) + ", sync due\n"
	default:
		text += ", last synced " + last.UTC().Format(time.RFC3339) + "\n"
	}
	return opts.formatter(cmd).Success(status, text)
}

func newPendingDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <site> <type> <resource> <instance>",
		Short: "Delete a queued write and its staged files",
		Long: `Delete a queued write without sending it.

Use this to resolve a conflict or a rejection that the user chose to
abandon. Staged attachments are deleted too.

Exit codes:
  0 - Discarded
  1 - Nothing pending for the key
  2 - Command error`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := model.Key{SiteID: args[0], ResourceType: args[1], ResourceKey: args[2], InstanceKey: args[3]}
			return runPendingDiscard(cmd, rootOpts, key)
		},
	}
}

func runPendingDiscard(cmd *cobra.Command, opts *RootOptions, key model.Key) error {
	if err := key.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid key", err)
	}

	e, err := openEnv(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	out := opts.formatter(cmd)
	err = e.queue.Discard(cmd.Context(), key)
	if errors.Is(err, model.ErrNotFound) {
		out.Error(ErrCodeNotFound, fmt.Sprintf("nothing pending for %s", key), nil)
		return NewExitError(ExitFailure, "nothing to discard")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to discard", err)
	}

	return out.Success(map[string]string{"discarded": key.String()}, fmt.Sprintf("Discarded %s\n", key))
}
