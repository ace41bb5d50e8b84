package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smallfactory/sf/internal/bom"
	"github.com/smallfactory/sf/internal/config"
	"github.com/smallfactory/sf/internal/entity"
	"github.com/smallfactory/sf/internal/gitvc"
	"github.com/smallfactory/sf/internal/inventory"
	"github.com/smallfactory/sf/internal/revision"
	"github.com/smallfactory/sf/internal/txn"
)

// App wires one datarepo's components together for command handlers.
type App struct {
	Repo  string
	Store *entity.Store
	Revs  *revision.Manager
	Bom   *bom.Resolver
	Inv   *inventory.Ledger
	VCS   *gitvc.Repo
	Coord *txn.Coordinator
	Log   *zap.Logger
}

// openApp resolves the datarepo (flag, then tool config) and builds the
// component graph over it.
func openApp(opts *RootOptions) (*App, error) {
	repoPath := opts.Repo
	if repoPath == "" {
		var err error
		repoPath, err = config.DatarepoPath()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "no datarepo", err)
		}
	}
	store, err := entity.NewStore(repoPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open datarepo", err)
	}
	revs := revision.NewManager(store)
	resolver := bom.NewResolver(store, revs)
	revs.Trees = resolver

	vcs, err := gitvc.Open(repoPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "datarepo is not a git repository", err)
	}
	log := newLogger(opts.Verbose)
	return &App{
		Repo:  repoPath,
		Store: store,
		Revs:  revs,
		Bom:   resolver,
		Inv:   inventory.NewLedger(store),
		VCS:   vcs,
		Coord: txn.NewCoordinator(vcs, log, txn.Options{NoAutocommit: opts.NoAutocommit}),
		Log:   log,
	}, nil
}

// Close flushes pending pushes. Call before process exit.
func (a *App) Close() {
	a.Coord.Flush()
	_ = a.Log.Sync()
}

// newFormatter builds the per-command output formatter.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// newLogger builds a console logger on stderr: debug when verbose,
// warnings and up otherwise.
func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
