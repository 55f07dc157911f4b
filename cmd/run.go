package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/ngld/testenv/pkg"
	"github.com/ngld/testenv/pkg/envsys"
	"github.com/ngld/testenv/pkg/journal"
)

var runCmd = &cobra.Command{
	Use:   "run [environment...] [option=value...]",
	Short: "Runs the given environments",
	Long: `Runs the listed environments in order. Dependencies always run first and no
environment runs more than once per invocation. Arguments of the form name=value are
passed to the configuration script as option values. Without arguments the default
environments run, or the available environments are listed if the script doesn't
declare any defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		noCache, err := cmd.Flags().GetBool("no-cache")
		if err != nil {
			return err
		}

		names := make([]string, 0)
		options := make(map[string]string)
		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				names = append(names, part)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctx = envsys.WithLogger(ctx, &logger)

		scriptPath, projectRoot, err := findProject()
		if err != nil {
			logger.Fatal().Err(err).Msg("No configuration script found")
		}

		envs, err := loadEnvs(ctx, scriptPath, projectRoot, options, noCache)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to parse %s", scriptPath)
		}

		if len(names) == 0 {
			if _, found := envs["default"]; found {
				names = append(names, "default")
			} else {
				fmt.Println("Available environments:")
				printEnvList(envs, false)
				return nil
			}
		}

		tools := collectTools(envs, names)
		if len(tools) > 0 && !dryRun {
			manifestPath := filepath.Join(projectRoot, "tools.yml")
			if _, err := os.Stat(manifestPath); err != nil {
				logger.Fatal().Err(err).Msgf("The requested environments need the tools %s but there is no tools.yml", strings.Join(tools, ", "))
			}

			err = pkg.ProvisionTools(ctx, pkg.ProvisionOptions{
				ProjectRoot:  projectRoot,
				ManifestPath: manifestPath,
				StateDir:     stateDirFor(projectRoot),
				Only:         tools,
			})
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to provision tools")
			}
		}

		reports, runErr := envsys.RunEnvs(ctx, projectRoot, names, envs, dryRun, force)

		if !cfg.Journal.Disable && !dryRun && len(reports) > 0 {
			recordRun(projectRoot, reports)
		}

		printSummary(reports)

		if runErr != nil {
			logger.Fatal().Err(runErr).Msg("Run failed")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	runCmd.Flags().BoolP("force", "f", false, "always run the requested environments, even if their outputs are up to date")
	runCmd.Flags().Bool("no-cache", false, "ignore the parse cache and don't update it")
}

func recordRun(projectRoot string, reports []envsys.RunReport) {
	stateDir := stateDirFor(projectRoot)
	err := os.MkdirAll(stateDir, os.FileMode(0770))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create the state directory")
		return
	}

	j, err := journal.Open(filepath.Join(stateDir, "journal.db"))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open the run journal")
		return
	}
	defer j.Close()

	entries := make([]journal.Entry, len(reports))
	for idx, report := range reports {
		entries[idx] = journal.Entry{
			Env:      report.Env,
			Status:   string(report.Status),
			Reason:   report.Reason,
			Started:  report.Started,
			Duration: report.Duration,
		}
	}

	err = j.Record(entries...)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to record the run")
	}
}

func printSummary(reports []envsys.RunReport) {
	if len(reports) == 0 {
		return
	}

	pkg.PrintTask("Summary")
	for _, report := range reports {
		color := "[green]"
		switch report.Status {
		case envsys.StatusFailed:
			color = "[red]"
		case envsys.StatusSkipped:
			color = "[yellow]"
		case envsys.StatusDry:
			color = "[blue]"
		}

		line := fmt.Sprintf("%s  %-24s %-8s %10s", color, report.Env, report.Status, report.Duration)
		if report.Reason != "" {
			line += "  (" + report.Reason + ")"
		}

		colorstring.Println(line + "[reset]")
	}
}
