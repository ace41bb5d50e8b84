package cli

import (
	"github.com/spf13/cobra"

	"github.com/smallfactory/sf/internal/revision"
	"github.com/smallfactory/sf/internal/txn"
)

// NewRevCommand creates the revision command group.
func NewRevCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rev",
		Short: "Cut, release, and inspect entity revisions",
	}
	cmd.AddCommand(newRevCutCommand(rootOpts))
	cmd.AddCommand(newRevBumpCommand(rootOpts))
	cmd.AddCommand(newRevReleaseCommand(rootOpts))
	cmd.AddCommand(newRevListCommand(rootOpts))
	return cmd
}

func newRevCutCommand(rootOpts *RootOptions) *cobra.Command {
	var notes, eco string

	cmd := &cobra.Command{
		Use:   "cut <sfid> [label]",
		Short: "Freeze the working copy into an immutable revision snapshot",
		Long: `Freeze the working copy into revisions/<label>/.

Without a label the next numeric label is chosen. The snapshot copies
entity.yml and files/, records sha256 digests for every artifact, and
freezes the resolved BOM tree when one resolves.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			label := ""
			if len(args) == 2 {
				label = args[1]
			}
			head, err := app.VCS.Head()
			if err != nil {
				return formatter.fail(err)
			}

			var meta revision.Meta
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				meta, mut, opErr = app.Revs.Cut(args[0], label, revision.CutOptions{
					Notes:        notes,
					ECO:          eco,
					SourceCommit: head,
				})
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(meta)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes for the snapshot")
	cmd.Flags().StringVar(&eco, "eco", "", "engineering change order reference")
	return cmd
}

func newRevBumpCommand(rootOpts *RootOptions) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:           "bump <sfid>",
		Short:         "Cut the next numeric revision",
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

			var meta revision.Meta
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				meta, mut, opErr = app.Revs.Bump(args[0], notes)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(meta)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes for the snapshot")
	return cmd
}

func newRevReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "release <sfid> <label>",
		Short:         "Release a revision and move the released pointer",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			var meta revision.Meta
			_, err = app.Coord.Run(cmd.Context(), func() (*txn.Mutation, error) {
				var mut *txn.Mutation
				var opErr error
				meta, mut, opErr = app.Revs.Release(args[0], args[1])
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(meta)
		},
	}
}

func newRevListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <sfid>",
		Short:         "List an entity's revisions and the released pointer",
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

			info, err := app.Revs.Get(args[0])
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(info)
		},
	}
}
