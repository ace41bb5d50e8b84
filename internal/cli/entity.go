package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smallfactory/sf/internal/entity"
	"github.com/smallfactory/sf/internal/txn"
)

// NewEntityCommand creates the entity command group.
func NewEntityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Create, inspect, and mutate entities",
	}
	cmd.AddCommand(newEntityCreateCommand(rootOpts))
	cmd.AddCommand(newEntityGetCommand(rootOpts))
	cmd.AddCommand(newEntityListCommand(rootOpts))
	cmd.AddCommand(newEntitySetCommand(rootOpts))
	cmd.AddCommand(newEntityRetireCommand(rootOpts))
	return cmd
}

// recordView renders a Record with the sfid present, since entity.yml
// never serializes it.
func recordView(rec entity.Record) map[string]any {
	out := map[string]any{"sfid": rec.SFID}
	for k, v := range rec.Fields {
		out[k] = v
	}
	return out
}

// parseFields parses repeated key=value flags.
func parseFields(pairs []string) (map[string]any, error) {
	fields := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("field %q must be key=value", p)
		}
		fields[k] = v
	}
	return fields, nil
}

func newEntityCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var fieldFlags []string

	cmd := &cobra.Command{
		Use:   "create <sfid>",
		Short: "Create an entity",
		Long: `Create an entity under entities/<sfid>/entity.yml.

The kind is inferred from the sfid prefix (p_ part, l_ location, b_ build).
Field specs from sfdatarepo.yml are enforced at write time.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			fields, err := parseFields(fieldFlags)
			if err != nil {
				return WrapExitError(ExitCommandError, "parse fields", err)
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
				rec, mut, opErr = app.Store.Create(args[0], fields)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(recordView(rec))
		},
	}
	cmd.Flags().StringArrayVarP(&fieldFlags, "field", "f", nil, "field as key=value (repeatable)")
	return cmd
}

func newEntityGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <sfid>",
		Short:         "Show one entity",
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

			rec, err := app.Store.Read(args[0])
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(recordView(rec))
		},
	}
}

func newEntityListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List all entities",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			recs, err := app.Store.List()
			if err != nil {
				return formatter.fail(err)
			}
			views := make([]map[string]any, 0, len(recs))
			for _, rec := range recs {
				views = append(views, recordView(rec))
			}
			return formatter.Success(views)
		},
	}
}

func newEntitySetCommand(rootOpts *RootOptions) *cobra.Command {
	var fieldFlags []string

	cmd := &cobra.Command{
		Use:           "set <sfid>",
		Short:         "Update entity fields",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			fields, err := parseFields(fieldFlags)
			if err != nil {
				return WrapExitError(ExitCommandError, "parse fields", err)
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
				rec, mut, opErr = app.Store.UpdateFields(args[0], fields)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(recordView(rec))
		},
	}
	cmd.Flags().StringArrayVarP(&fieldFlags, "field", "f", nil, "field as key=value (repeatable)")
	return cmd
}

func newEntityRetireCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:           "retire <sfid>",
		Short:         "Retire an entity (tombstone, never delete)",
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
				rec, mut, opErr = app.Store.Retire(args[0], reason)
				return mut, opErr
			})
			if err != nil {
				return formatter.fail(err)
			}
			return formatter.Success(recordView(rec))
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the entity is retired")
	return cmd
}
