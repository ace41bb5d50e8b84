package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smallfactory/sf/internal/bom"
	"github.com/smallfactory/sf/internal/entity"
	"github.com/smallfactory/sf/internal/txn"
)

// NewBOMCommand creates the bom command group.
func NewBOMCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bom",
		Short: "Edit and resolve bills of materials",
	}
	cmd.AddCommand(newBOMAddCommand(rootOpts))
	cmd.AddCommand(newBOMSetCommand(rootOpts))
	cmd.AddCommand(newBOMRemoveCommand(rootOpts))
	cmd.AddCommand(newBOMResolveCommand(rootOpts))
	return cmd
}

// lineFlags carries the BOM line flag set shared by add and set.
type lineFlags struct {
	use        string
	qty        int
	rev        string
	when       []string
	alternates []string
	group      string
}

func (f *lineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.use, "use", "", "child sfid")
	cmd.Flags().IntVar(&f.qty, "qty", 0, "quantity per parent (default 1 on add)")
	cmd.Flags().StringVar(&f.rev, "rev", "", "revision selector (label or released)")
	cmd.Flags().StringArrayVar(&f.when, "when", nil, "build-configuration gate as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&f.alternates, "alt", nil, "inline alternate as sfid or sfid@rev (repeatable, ordered)")
	cmd.Flags().StringVar(&f.group, "group", "", "alternates group name from sfdatarepo.yml")
}

func (f *lineFlags) line() (entity.BOMLine, error) {
	when, err := parseWhen(f.when)
	if err != nil {
		return entity.BOMLine{}, err
	}
	return entity.BOMLine{
		Use:             f.use,
		Qty:             f.qty,
		Rev:             f.rev,
		When:            when,
		Alternates:      parseAlternates(f.alternates),
		AlternatesGroup: f.group,
	}, nil
}

// parseAlternates maps --alt values to alternates: "p_x" inherits the
// line's rev, "p_x@2" pins the alternate to revision 2.
func parseAlternates(vals []string) []entity.Alternate {
	alts := make([]entity.Alternate, 0, len(vals))
	for _, v := range vals {
		use, rev, _ := strings.Cut(v, "@")
		alts = append(alts, entity.Alternate{Use: use, Rev: rev})
	}
	if len(alts) == 0 {
		return nil
	}
	return alts
}

func parseWhen(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("when %q must be key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func newBOMAddCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &lineFlags{}

	cmd := &cobra.Command{
		Use:           "add <parent>",
		Short:         "Append a BOM line to a part",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			line, err := flags.line()
			if err != nil {
				return WrapExitError(ExitCommandError, "parse line", err)
			}
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			var rec entity.Record
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				rec, mut, opErr = app.Store.AddBOMLine(args[0], line)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(recordView(rec))
		},
	}
	flags.register(cmd)
	return cmd
}

func newBOMSetCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &lineFlags{}
	var index int

	cmd := &cobra.Command{
		Use:           "set <parent>",
		Short:         "Update one BOM line in place",
		Long:          "Update one BOM line by index. Only the flags given change; omitted flags keep their current values.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			line, err := flags.line()
			if err != nil {
				return WrapExitError(ExitCommandError, "parse line", err)
			}
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			var rec entity.Record
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				rec, mut, opErr = app.Store.SetBOMLine(args[0], index, line)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(recordView(rec))
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&index, "index", 0, "zero-based line index")
	return cmd
}

func newBOMRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	var index int

	cmd := &cobra.Command{
		Use:           "remove <parent>",
		Short:         "Remove one BOM line by index",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			var rec entity.Record
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				rec, mut, opErr = app.Store.RemoveBOMLine(args[0], index)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(recordView(rec))
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "zero-based line index")
	return cmd
}

func newBOMResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var rev string
	var maxDepth int
	var configPairs []string

	cmd := &cobra.Command{
		Use:   "resolve <top>",
		Short: "Resolve a BOM to exact (part, revision) pairs",
		Long: `Resolve the top entity's BOM into a flattened, deterministic tree.

Children resolve strictly to released revisions (with alternates as
fallback); the top may resolve against its working copy when nothing is
released. The output lists nodes in traversal order plus a quantity
rollup.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			buildCfg, err := parseWhen(configPairs)
			if err != nil {
				return WrapExitError(ExitCommandError, "parse config", err)
			}
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Bom.Resolve(args[0], bom.Options{
				Rev:      rev,
				Config:   buildCfg,
				MaxDepth: maxDepth,
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(res)
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "top revision selector (label; default released)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "depth bound, 0 for unlimited")
	cmd.Flags().StringArrayVar(&configPairs, "config", nil, "build configuration as key=value (repeatable)")
	return cmd
}
