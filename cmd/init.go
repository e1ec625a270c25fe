package cmd

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/config"
)

//go:embed templates/consolidate.toml
var configTemplate []byte

//go:embed templates/consolidation.yaml
var mappingTemplate []byte

const mappingFileName = "consolidation.yaml"

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create consolidate.toml and an example mapping document",
	Long: `Create consolidate.toml and an example consolidation.yaml in the current
directory. Existing files are left alone unless --force is given.`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	return scaffold(cmd.OutOrStdout(), dir, initForce)
}

// scaffold writes the starter files into dir.
func scaffold(out io.Writer, dir string, force bool) error {
	files := []struct {
		name    string
		content []byte
	}{
		{config.FileName, configTemplate},
		{mappingFileName, mappingTemplate},
	}

	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.content, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		_, _ = successColor.Fprintf(out, "✓ Created %s\n", f.name)
	}

	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintf(out, "  1. Point [environments.local] in %s at your database\n", config.FileName)
	_, _ = fmt.Fprintf(out, "  2. Describe your legacy and canonical tables in %s\n", mappingFileName)
	_, _ = fmt.Fprintln(out, "  3. Run: consolidate plan")
	return nil
}
