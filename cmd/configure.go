package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ngld/testenv/pkg/envsys"
)

var configureCmd = &cobra.Command{
	Use:   "configure [option=value...]",
	Short: "Parses the configuration script and pins the given option values",
	Long: `Parses the configuration script with the given option values and stores the
result. Later invocations without explicit options reuse the stored result, including
the pinned values, until the script changes. Without arguments this simply refreshes
the stored result and shows the available options.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		options := make(map[string]string)
		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos == -1 {
				logger.Fatal().Msgf("Argument %s is not of the form option=value", part)
			}

			options[part[:pos]] = part[pos+1:]
		}

		ctx := envsys.WithLogger(context.Background(), &logger)

		scriptPath, projectRoot, err := findProject()
		if err != nil {
			logger.Fatal().Err(err).Msg("No configuration script found")
		}

		envs, scriptOptions, err := envsys.RunScript(ctx, scriptPath, projectRoot, options, true)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to parse %s", scriptPath)
		}

		for name := range options {
			if _, declared := scriptOptions[name]; !declared {
				logger.Fatal().Msgf("The script doesn't declare an option named %s", name)
			}
		}

		stateDir := stateDirFor(projectRoot)
		err = os.MkdirAll(stateDir, os.FileMode(0770))
		if err == nil {
			err = envsys.WriteCache(filepath.Join(stateDir, "envcache.gob"), options, envs)
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to store the parse result")
		}

		fmt.Printf("Parsed %s, found %d environments.\n", filepath.Base(scriptPath), len(envs))
		if len(scriptOptions) == 0 {
			return nil
		}

		fmt.Println("Available options:")
		names := make([]string, 0, len(scriptOptions))
		maxNameLen := 0
		for name := range scriptOptions {
			names = append(names, name)
			if len(name) > maxNameLen {
				maxNameLen = len(name)
			}
		}
		sort.Strings(names)

		lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
		for _, name := range names {
			option := scriptOptions[name]
			detail := option.Help
			value, pinned := options[name]
			if pinned {
				detail += fmt.Sprintf(" [pinned: %s]", value)
			} else if option.Default() != "" {
				detail += fmt.Sprintf(" [default: %s]", option.Default())
			}

			fmt.Printf(lineFmt, name+":", strings.TrimSpace(detail))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configureCmd)
}
