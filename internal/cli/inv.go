package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/smallfactory/sf/internal/inventory"
	"github.com/smallfactory/sf/internal/txn"
)

// NewInvCommand creates the inventory command group.
func NewInvCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inv",
		Short: "Post and report inventory",
	}
	cmd.AddCommand(newInvPostCommand(rootOpts))
	cmd.AddCommand(newInvOnhandCommand(rootOpts))
	cmd.AddCommand(newInvRebuildCommand(rootOpts))
	return cmd
}

func newInvPostCommand(rootOpts *RootOptions) *cobra.Command {
	var location, reason string

	cmd := &cobra.Command{
		Use:   "post <part> <delta>",
		Short: "Append a signed quantity delta to a part's journal",
		Long: `Append one journal entry for the part at a location.

The delta is signed and non-zero; the location defaults to the repo's
configured inventory.default_location. The append never rewrites
existing journal lines.

Put -- before a negative delta so it is not parsed as a flag:
  sf inv post p_m3x10 -- -3`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			delta, err := strconv.Atoi(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "delta must be an integer", err)
			}
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			var res inventory.PostResult
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				res, mut, opErr = app.Inv.Post(args[0], delta, location, reason)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(res)
		},
	}
	cmd.Flags().StringVarP(&location, "location", "l", "", "location sfid (default: configured default_location)")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason for the adjustment")
	return cmd
}

func newInvOnhandCommand(rootOpts *RootOptions) *cobra.Command {
	var location string
	var readonly bool

	cmd := &cobra.Command{
		Use:   "onhand [part]",
		Short: "Report on-hand quantities",
		Long: `Report on-hand quantities for a part, a location, or the whole repo.

With --readonly the journals are replayed in memory and no cache is
consulted or written.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			switch {
			case len(args) == 1:
				oh, err := app.Inv.OnhandEntity(args[0], readonly)
				if err != nil {
					return formatter.fail(err)
				}
				return formatter.Success(oh)
			case location != "":
				oh, err := app.Inv.OnhandLocation(location, readonly)
				if err != nil {
					return formatter.fail(err)
				}
				return formatter.Success(oh)
			default:
				sum, err := app.Inv.OnhandSummary(readonly)
				if err != nil {
					return formatter.fail(err)
				}
				return formatter.Success(sum)
			}
		},
	}
	cmd.Flags().StringVarP(&location, "location", "l", "", "report one location's reverse index")
	cmd.Flags().BoolVar(&readonly, "readonly", false, "replay journals without touching caches")
	return cmd
}

func newInvRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rebuild",
		Short:         "Rebuild every on-hand cache from the journals",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			var res inventory.RebuildResult
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				res, mut, opErr = app.Inv.Rebuild()
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(res)
		},
	}
}
