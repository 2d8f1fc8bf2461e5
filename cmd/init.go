package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eykd/beliefc/internal/codec/markdown"
	"github.com/eykd/beliefc/internal/network"
)

// InitIO handles I/O for the init command.
type InitIO interface {
	StatFile(path string) (bool, error)
	WriteFileAtomic(path, content string) error
}

// NewInitCmd creates the init subcommand: it writes a starter network
// descriptor plus an empty root document so parse and watch have something
// to bootstrap against.
func NewInitCmd(io InitIO) *cobra.Command {
	return newInitCmdWithGetCWD(io, os.Getwd)
}

func newInitCmdWithGetCWD(io InitIO, getwd func() (string, error)) *cobra.Command {
	var (
		force bool
		title string
	)
	cmd := &cobra.Command{
		Use:          "init [path]",
		Short:        "Initialize a belief network in a directory",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cwd, err := getwd()
				if err != nil {
					return fmt.Errorf("getting working directory: %w", err)
				}
				dir = cwd
			}

			if title == "" {
				title = filepath.Base(dir)
			}

			descPath := network.DescriptorPath(dir)
			exists, err := io.StatFile(descPath)
			if err != nil {
				return fmt.Errorf("checking %s: %w", descPath, err)
			}
			if exists && !force {
				return fmt.Errorf("%s already exists in %s; use --force to overwrite", network.DescriptorName, dir)
			}

			desc := &network.Descriptor{ID: markdown.Slug(title), Title: title}
			raw, err := network.Encode(desc)
			if err != nil {
				return err
			}
			if err := io.WriteFileAtomic(descPath, string(raw)); err != nil {
				return fmt.Errorf("writing %s: %w", network.DescriptorName, err)
			}

			indexPath := filepath.Join(dir, "index.md")
			indexExists, err := io.StatFile(indexPath)
			if err != nil {
				return fmt.Errorf("checking %s: %w", indexPath, err)
			}
			if !indexExists {
				content := fmt.Sprintf("+++\ntitle = %q\n+++\n# %s\n", title, title)
				if err := io.WriteFileAtomic(indexPath, content); err != nil {
					return fmt.Errorf("writing index.md: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Initialized belief network %q in %s\n", title, dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing network descriptor")
	cmd.Flags().StringVar(&title, "title", "", "Network title (defaults to the directory name)")
	return cmd
}

// fileInitIO implements InitIO using OS file I/O.
type fileInitIO struct{}

func (fileInitIO) StatFile(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (fileInitIO) WriteFileAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
