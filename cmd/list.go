package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ngld/testenv/pkg/envsys"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the declared environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		noCache, err := cmd.Flags().GetBool("no-cache")
		if err != nil {
			return err
		}

		ctx := envsys.WithLogger(context.Background(), &logger)

		scriptPath, projectRoot, err := findProject()
		if err != nil {
			logger.Fatal().Err(err).Msg("No configuration script found")
		}

		envs, err := loadEnvs(ctx, scriptPath, projectRoot, nil, noCache)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to parse %s", scriptPath)
		}

		fmt.Println("Available environments:")
		printEnvList(envs, all)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolP("all", "a", false, "include hidden environments")
	listCmd.Flags().Bool("no-cache", false, "ignore the parse cache and don't update it")
}
