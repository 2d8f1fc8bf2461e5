package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eykd/beliefc/internal/accumulator"
	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/compiler"
	"github.com/eykd/beliefc/internal/diagnostics"
	"github.com/eykd/beliefc/internal/mirror"
	"github.com/eykd/beliefc/internal/transactor"
)

// CompileIO handles the environment-facing I/O of the parse and doctor
// commands, so command logic is testable without a real working directory
// or mirror database.
type CompileIO interface {
	Getwd() (string, error)
	OpenMirror(path string) (*mirror.Store, error)
}

// fileCompileIO implements CompileIO using the OS.
type fileCompileIO struct{}

func (fileCompileIO) Getwd() (string, error) { return os.Getwd() }

func (fileCompileIO) OpenMirror(path string) (*mirror.Store, error) { return mirror.Open(path) }

// resultJSON is the JSON output schema for one compiled document.
type resultJSON struct {
	Path           string                   `json:"path"`
	Diagnostics    []diagnostics.Diagnostic `json:"diagnostics"`
	Rewritten      bool                     `json:"rewritten"`
	DependentPaths []string                 `json:"dependentPaths,omitempty"`
}

// parseOutput is the JSON output schema for the parse command.
type parseOutput struct {
	Version string       `json:"version"`
	Results []resultJSON `json:"results"`
}

// NewParseCmd creates the parse subcommand: one compilation pass over a
// corpus root.
func NewParseCmd(io CompileIO) *cobra.Command {
	var (
		jsonMode bool
		noWrite  bool
		dbPath   string
	)
	cmd := &cobra.Command{
		Use:          "parse [path]",
		Short:        "Compile every network under a directory in one pass",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(io, args)
			if err != nil {
				return err
			}
			results, err := runCompilePass(cmd.Context(), io, root, dbPath, !noWrite)
			if err != nil {
				return err
			}
			return emitResults(cmd, results, jsonMode)
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&noWrite, "no-write", false, "Report rewrites without touching source files")
	cmd.Flags().StringVar(&dbPath, "db", "", "Mirror database path (default <path>/.beliefc.db; \"none\" disables)")
	return cmd
}

// runCompilePass wires accumulator, compiler and (unless disabled) the
// transactor+mirror pair for a single pass.
func runCompilePass(ctx context.Context, io CompileIO, root, dbPath string, write bool) ([]compiler.Result, error) {
	store, err := openMirror(io, root, dbPath)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer store.Close()
	}

	var events chan beliefset.Event
	var out chan<- beliefset.Event
	if store != nil {
		events = make(chan beliefset.Event, 1024)
		out = events
	}

	acc, err := accumulator.New(out)
	if err != nil {
		return nil, err
	}

	opts := compiler.Options{Write: write}
	if store != nil {
		if opts.Mtimes, err = store.GetFileMtimes(); err != nil {
			return nil, err
		}
	}
	comp := compiler.New(root, acc, codec.Default(), opts)

	if store == nil {
		return comp.ParseAll(ctx)
	}

	var results []compiler.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transactor.New(store, events, transactor.Options{}).Run(gctx)
	})
	g.Go(func() error {
		defer close(events)
		var perr error
		results, perr = comp.ParseAll(gctx)
		return perr
	})
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func openMirror(io CompileIO, root, dbPath string) (*mirror.Store, error) {
	switch dbPath {
	case "none":
		return nil, nil
	case "":
		dbPath = filepath.Join(root, ".beliefc.db")
	}
	return io.OpenMirror(dbPath)
}

func resolveRoot(io CompileIO, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cwd, err := io.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return cwd, nil
}

func emitResults(cmd *cobra.Command, results []compiler.Result, jsonMode bool) error {
	hadError := false
	out := parseOutput{Version: "1", Results: make([]resultJSON, 0, len(results))}
	for _, r := range results {
		diags := r.Diagnostics
		if diags == nil {
			diags = []diagnostics.Diagnostic{}
		}
		out.Results = append(out.Results, resultJSON{
			Path:           r.Path,
			Diagnostics:    diags,
			Rewritten:      r.RewrittenContent != nil,
			DependentPaths: r.DependentPaths,
		})
		if hasDiagnosticError(diags) {
			hadError = true
		}
		if !jsonMode {
			printDiagnostics(cmd, diags)
		}
	}
	if jsonMode {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
	}
	if hadError {
		return fmt.Errorf("corpus has compile errors")
	}
	return nil
}
