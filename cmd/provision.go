package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ngld/testenv/pkg"
)

var provisionCmd = &cobra.Command{
	Use:   "provision [tool...]",
	Short: "Downloads and unpacks the tools from tools.yml",
	Long: `Downloads, verifies and unpacks the tools listed in the project's tools.yml into
the .tools directory. Without arguments all tools are processed, otherwise only the
listed ones. Tools that are already installed and whose manifest entry hasn't changed
are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		pkg.PrintTask("Loading config")
		_, projectRoot, err := findProject()
		if err != nil {
			logger.Fatal().Err(err).Msg("No configuration script found")
		}

		manifestPath := filepath.Join(projectRoot, "tools.yml")
		if _, err := os.Stat(manifestPath); err != nil {
			logger.Fatal().Err(err).Msgf("No tools.yml found next to the configuration script")
		}

		pkg.PrintTask("Downloading tools")
		err = pkg.ProvisionTools(ctx, pkg.ProvisionOptions{
			ProjectRoot:  projectRoot,
			ManifestPath: manifestPath,
			StateDir:     stateDirFor(projectRoot),
			Only:         args,
			Update:       update,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to provision tools")
		}

		pkg.PrintTask("Done")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().BoolP("update", "u", false, "update outdated checksums in tools.yml instead of failing on them")
}
