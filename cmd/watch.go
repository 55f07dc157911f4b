package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/cortesi/moddwatch"
	"github.com/spf13/cobra"

	"github.com/ngld/testenv/pkg/envsys"
)

var watchCmd = &cobra.Command{
	Use:   "watch <environment> [pattern...]",
	Short: "Reruns an environment whenever its inputs change",
	Long: `Runs the given environment and reruns it whenever one of the watched files
changes. The watched patterns default to the environment's inputs, additional patterns
can be passed as arguments. State directories are always excluded.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noCache, err := cmd.Flags().GetBool("no-cache")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctx = envsys.WithLogger(ctx, &logger)

		scriptPath, projectRoot, err := findProject()
		if err != nil {
			logger.Fatal().Err(err).Msg("No configuration script found")
		}

		envs, err := loadEnvs(ctx, scriptPath, projectRoot, nil, noCache)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to parse %s", scriptPath)
		}

		name := args[0]
		env, found := envs[name]
		if !found {
			logger.Fatal().Msgf("Environment %s not found", name)
		}

		patterns := append([]string{}, env.Inputs...)
		patterns = append(patterns, args[1:]...)
		if len(patterns) == 0 {
			logger.Fatal().Msgf("Environment %s has no inputs, pass the patterns to watch as arguments", name)
		}

		excludes := []string{cfg.StateDir + "/**", ".tools/**", ".git/**"}

		modchan := make(chan *moddwatch.Mod, 16)
		watcher, err := moddwatch.Watch(projectRoot, patterns, excludes, 500*time.Millisecond, modchan)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start the file watcher")
		}
		defer watcher.Stop()

		runOnce := func() {
			reports, err := envsys.RunEnv(ctx, projectRoot, name, envs, false, true)
			printSummary(reports)
			if err != nil {
				logger.Error().Err(err).Msgf("Environment %s failed, waiting for changes", name)
			}
		}

		runOnce()
		logger.Info().Msgf("Watching %d patterns, press ctrl-c to stop", len(patterns))

		for {
			select {
			case <-ctx.Done():
				return nil
			case mod, ok := <-modchan:
				if !ok {
					return nil
				}
				if mod == nil || mod.Empty() {
					continue
				}

				logger.Info().Msgf("Change in %s", mod.All()[0])
				runOnce()
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("no-cache", false, "ignore the parse cache and don't update it")
}
