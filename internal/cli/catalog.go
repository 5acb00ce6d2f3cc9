package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/catalog"
)

// CatalogSummary is the output of catalog check.
type CatalogSummary struct {
	Source    string             `json:"source"`
	Resources []catalog.Resource `json:"resources"`
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with resource catalogs",
	}
	cmd.AddCommand(newCatalogCheckCommand(rootOpts))
	return cmd
}

func newCatalogCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a resource catalog and list its types",
		Long: `Validate a CUE resource catalog against the schema and list the
resource types and actions it declares.

Without a file, checks the catalog named in the config, or the built-in
catalog when none is configured.

Exit codes:
  0 - Catalog is valid
  1 - Catalog is invalid
  2 - Command error

Examples:
  offsync catalog check
  offsync catalog check ./catalog.cue --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			source := cfg.Catalog
			if len(args) == 1 {
				source = args[0]
			}
			return runCatalogCheck(cmd, rootOpts, source)
		},
	}
}

func runCatalogCheck(cmd *cobra.Command, opts *RootOptions, source string) error {
	out := opts.formatter(cmd)

	var cat *catalog.Catalog
	if source == "" {
		source = "built-in"
		cat = catalog.Default()
	} else {
		var err error
		cat, err = catalog.LoadFile(source)
		if err != nil {
			out.Error(ErrCodeCatalog, err.Error(), map[string]string{"source": source})
			return WrapExitError(ExitFailure, "invalid catalog", err)
		}
	}

	summary := CatalogSummary{Source: source, Resources: make([]catalog.Resource, 0, cat.Len())}
	var b strings.Builder
	fmt.Fprintf(&b, "Catalog %s is valid: %d resource types\n", source, cat.Len())
	for _, typ := range cat.Types() {
		r, _ := cat.Lookup(typ)
		summary.Resources = append(summary.Resources, r)
		out.VerboseLog("%s (%s)", typ, r.Component)

		actions := make([]string, 0, len(r.Actions))
		for _, name := range r.ActionNames() {
			a := r.Actions[name]
			label := name
			if a.Additive {
				label += "+"
			}
			if a.OnReject == catalog.RejectDiscard {
				label += "!"
			}
			actions = append(actions, label)
		}
		fmt.Fprintf(&b, "  %s: %s\n", typ, strings.Join(actions, " "))
	}
	b.WriteString("(+ additive, ! discarded when rejected)\n")

	return out.Success(summary, b.String())
}
