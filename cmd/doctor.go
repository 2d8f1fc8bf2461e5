package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eykd/beliefc/internal/accumulator"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/compiler"
	"github.com/eykd/beliefc/internal/diagnostics"
)

// doctorOutput is the JSON output schema for the doctor command.
type doctorOutput struct {
	Version     string                   `json:"version"`
	Balanced    bool                     `json:"balanced"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
}

// NewDoctorCmd creates the doctor subcommand: compile without rewriting,
// then run the belief set's built-in test and report every finding.
func NewDoctorCmd(io CompileIO) *cobra.Command {
	var (
		jsonMode bool
		fix      bool
	)
	cmd := &cobra.Command{
		Use:          "doctor [path]",
		Short:        "Validate corpus structural integrity and graph invariants",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(io, args)
			if err != nil {
				return err
			}

			acc, err := accumulator.New(nil)
			if err != nil {
				return err
			}
			comp := compiler.New(root, acc, codec.Default(), compiler.Options{Write: false})
			results, err := comp.ParseAll(cmd.Context())
			if err != nil {
				return err
			}

			var diags []diagnostics.Diagnostic
			for _, r := range results {
				diags = append(diags, r.Diagnostics...)
			}
			diags = append(diags, acc.Set().BuiltInTest(fix)...)
			if diags == nil {
				diags = []diagnostics.Diagnostic{}
			}

			if jsonMode {
				out := doctorOutput{Version: "1", Balanced: !hasDiagnosticError(diags), Diagnostics: diags}
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
					return fmt.Errorf("encoding output: %w", err)
				}
			} else {
				printDiagnostics(cmd, diags)
			}

			if hasDiagnosticError(diags) {
				return fmt.Errorf("corpus has structural errors")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output diagnostics as JSON")
	cmd.Flags().BoolVar(&fix, "fix", false, "Repair sibling-index and path-projection divergence in memory before reporting")
	return cmd
}
