// Package cmd implements the beliefc CLI commands.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eykd/beliefc/internal/diagnostics"

	// Register the built-in Markdown codec.
	_ "github.com/eykd/beliefc/internal/codec/markdown"
)

// NewRootCmd creates the root beliefc command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "beliefc",
		Short:         "beliefc - compile annotated Markdown into a queryable belief set",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE:          rootRunE,
	}
	root.AddCommand(NewParseCmd(fileCompileIO{}))
	root.AddCommand(NewWatchCmd())
	root.AddCommand(NewDoctorCmd(fileCompileIO{}))
	root.AddCommand(NewInitCmd(fileInitIO{}))
	return root
}

func rootRunE(cmd *cobra.Command, _ []string) error {
	return cmd.Help()
}

// printDiagnostics writes each diagnostic to stderr in human-readable form.
func printDiagnostics(cmd *cobra.Command, diags []diagnostics.Diagnostic) {
	for _, d := range diags {
		fmt.Fprintln(cmd.ErrOrStderr(), sanitizeOutput(d.String()))
	}
}

// hasDiagnosticError reports whether any diagnostic has error severity.
func hasDiagnosticError(diags []diagnostics.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == diagnostics.SeverityError {
			return true
		}
	}
	return false
}

// sanitizeOutput replaces control characters with '?' before including
// file-derived values in human-readable output, preventing ANSI injection.
func sanitizeOutput(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return '?'
		}
		return r
	}, s)
}
