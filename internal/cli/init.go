package cli

import (
	"github.com/spf13/cobra"

	"github.com/smallfactory/sf/internal/repo"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var remoteURL, defaultLocation string
	var setDefault bool

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Create and scaffold a new datarepo",
		Long: `Create a git-backed datarepo at the given path.

Scaffolds sfdatarepo.yml with the default part schema, the entities/ and
inventory/ directories, union-merge attributes for inventory journals,
and the default intake location.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			res, _, err := repo.Init(repo.InitOptions{
				Path:            args[0],
				RemoteURL:       remoteURL,
				DefaultLocation: defaultLocation,
				SetDefault:      setDefault,
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(res)
		},
	}
	cmd.Flags().StringVar(&remoteURL, "remote", "", "origin remote URL")
	cmd.Flags().StringVar(&defaultLocation, "default-location", "", "intake location sfid (default l_inbox)")
	cmd.Flags().BoolVar(&setDefault, "set-default", true, "record this datarepo as the tool default")
	return cmd
}
