package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sap-gg/renderbox/internal"
	"github.com/sap-gg/renderbox/internal/lockfile"
)

// verifyCmd checks a sealed build context for drift.
var verifyCmd = &cobra.Command{
	Use:     "verify <context-dir>",
	Short:   "Compares an installed tree with the lock it was sealed with.",
	Long:    verifyLongDescription,
	Example: verifyExample,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contextDir := args[0]
		lockPath := filepath.Join(contextDir, internal.LockFileName)
		rootDir := filepath.Join(contextDir, internal.ContextRootDir)

		lock, err := lockfile.Read(cmd.Context(), lockPath)
		if err != nil {
			return fmt.Errorf("reading lock: %w", err)
		}

		report, err := lockfile.Verify(cmd.Context(), rootDir, lock)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", rootDir, err)
		}

		printVerifyReport(report)

		if report.HasChanges() {
			return fmt.Errorf("installed tree drifted from %s in %d files", internal.LockFileName, len(report.Changes))
		}
		log.Info().
			Int("files", len(lock.Files)).
			Str("tree_digest", lock.TreeDigest).
			Msg("installed tree matches its lock")
		return nil
	},
}

func printVerifyReport(report *lockfile.Report) {
	for _, change := range report.Changes {
		switch change.Type {
		case lockfile.Created:
			color.Green("+ %s", change.Path)
		case lockfile.Modified:
			color.Yellow("~ %s", change.Path)
		case lockfile.Removed:
			color.Red("- %s", change.Path)
		case lockfile.Unchanged:
			// do nothing
		}
	}
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

const (
	verifyLongDescription = `The verify command re-hashes the installed tree of a sealed build context
(the ` + internal.ContextRootDir + `/ directory) and compares it with the ` + internal.LockFileName + `
written when the context was sealed. Files are compared by content and mode.

Use it to detect drift after a context was kept with --keep-work and edited,
or to check that an extracted tarball matches what was built.`

	verifyExample = `
# Check a kept build context
renderbox verify /tmp/renderbox/3f1c.../2.79b/context`
)
