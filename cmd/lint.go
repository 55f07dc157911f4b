package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ngld/testenv/pkg"
	"github.com/ngld/testenv/pkg/envsys"
)

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Checks the configuration script for problems",
	Long: `Parses the configuration script and verifies that environment dependencies only
refer to declared environments, that the dependency graph has no cycles, that all
commands parse and that every referenced tool exists in tools.yml. The script is always
parsed fresh, the parse cache is not used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := envsys.WithLogger(context.Background(), &logger)

		scriptPath, projectRoot, err := findProject()
		if err != nil {
			logger.Fatal().Err(err).Msg("No configuration script found")
		}

		envs, _, err := envsys.RunScript(ctx, scriptPath, projectRoot, nil, true)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to parse %s", scriptPath)
		}

		knownTools := []string{}
		manifestPath := filepath.Join(projectRoot, "tools.yml")
		if _, err := os.Stat(manifestPath); err == nil {
			manifest, _, err := pkg.LoadToolManifest(manifestPath)
			if err != nil {
				logger.Fatal().Err(err).Msgf("Failed to parse %s", manifestPath)
			}

			knownTools = manifest.Names()
		}

		result := envsys.Lint(envs, knownTools)
		problems := multierr.Errors(result)
		if len(problems) == 0 {
			fmt.Printf("%s is fine, %d environments checked\n", filepath.Base(scriptPath), len(envs))
			return nil
		}

		for _, problem := range problems {
			pkg.PrintError(problem.Error())
		}

		logger.Fatal().Msgf("Found %d problems", len(problems))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lintCmd)
}
