// Package cmd implements the testenv CLI
package cmd

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/testenv/pkg/config"
)

var (
	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "testenv",
	Short: "Manages the project's test environments",
	Long: `This command parses the first envs.star file it finds in the current directory
or one of its parents and runs the test environments declared there.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, loader := config.Loader()
		if err := loader.Load(); err != nil {
			return eris.Wrap(err, "failed to load configuration")
		}
		cfg = loadedCfg

		if err := cfg.Validate(); err != nil {
			return eris.Wrap(err, "invalid configuration")
		}

		if cfg.Log.JSON {
			logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		} else {
			logger = zerolog.New(NewConsoleWriter())
		}

		zerolog.SetGlobalLevel(cfg.LogLevel())
		return nil
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
