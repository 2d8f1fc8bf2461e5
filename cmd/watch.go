package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eykd/beliefc/internal/accumulator"
	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/compiler"
	"github.com/eykd/beliefc/internal/mirror"
	"github.com/eykd/beliefc/internal/transactor"
	"github.com/eykd/beliefc/internal/watcher"
)

// NewWatchCmd creates the watch subcommand: an initial full pass followed
// by Watcher-driven incremental compilation until interrupted.
func NewWatchCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:          "watch [path]",
		Short:        "Watch a directory and recompile on change",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(fileCompileIO{}, args)
			if err != nil {
				return err
			}
			return runWatch(cmd, root, dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Mirror database path (default <path>/.beliefc.db)")
	return cmd
}

func runWatch(cmd *cobra.Command, root, dbPath string) error {
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	if dbPath == "" {
		dbPath = filepath.Join(root, ".beliefc.db")
	}
	store, err := mirror.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	mtimes, err := store.GetFileMtimes()
	if err != nil {
		return err
	}

	events := make(chan beliefset.Event, 1024)
	acc, err := accumulator.New(events)
	if err != nil {
		return err
	}
	comp := compiler.New(root, acc, codec.Default(), compiler.Options{Write: true, Mtimes: mtimes})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes := make(chan []watcher.Change, 16)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transactor.New(store, events, transactor.Options{Logger: log}).Run(gctx)
	})
	g.Go(func() error {
		err := watcher.New(root, codec.Default(), watcher.Options{Logger: log}).Run(gctx, changes)
		close(changes)
		return err
	})
	g.Go(func() error {
		defer close(events)
		if _, err := comp.ParseAll(gctx); err != nil {
			return err
		}
		log.Info("initial pass complete, watching", "root", root)
		for batch := range changes {
			for _, ch := range batch {
				if ch.Op == watcher.OpRemove {
					if err := comp.RemoveDocument(ch.Path); err != nil {
						return err
					}
				}
			}
			var upserts []string
			for _, ch := range batch {
				if ch.Op == watcher.OpUpsert {
					upserts = append(upserts, ch.Path)
				}
			}
			if len(upserts) == 0 {
				continue
			}
			results, err := comp.Recompile(gctx, upserts)
			if err != nil {
				return err
			}
			for _, r := range results {
				printDiagnostics(cmd, r.Diagnostics)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
