package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/ngld/testenv/pkg/envsys"
	"github.com/ngld/testenv/pkg/journal"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Shows the outcome of past runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		envFilter, err := cmd.Flags().GetString("env")
		if err != nil {
			return err
		}

		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		clear, err := cmd.Flags().GetBool("clear")
		if err != nil {
			return err
		}

		if !cmd.Flags().Changed("limit") {
			limit = cfg.Journal.Limit
		}

		_, projectRoot, err := findProject()
		if err != nil {
			logger.Fatal().Err(err).Msg("No configuration script found")
		}

		journalPath := filepath.Join(stateDirFor(projectRoot), "journal.db")
		if _, err := os.Stat(journalPath); err != nil {
			fmt.Println("No runs recorded, yet.")
			return nil
		}

		j, err := journal.Open(journalPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open the run journal")
		}
		defer j.Close()

		if clear {
			err = j.Clear()
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to clear the run journal")
			}

			fmt.Println("Journal cleared.")
			return nil
		}

		entries, err := j.List(envFilter, limit)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to read the run journal")
		}

		if len(entries) == 0 {
			fmt.Println("No runs recorded, yet.")
			return nil
		}

		for _, entry := range entries {
			color := "[green]"
			switch entry.Status {
			case string(envsys.StatusFailed):
				color = "[red]"
			case string(envsys.StatusSkipped):
				color = "[yellow]"
			}

			line := fmt.Sprintf("%s%s  %-24s %-8s %10s", color, entry.Started.Format("2006-01-02 15:04:05"), entry.Env, entry.Status, entry.Duration)
			if entry.Reason != "" {
				line += "  (" + entry.Reason + ")"
			}

			colorstring.Println(line + "[reset]")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringP("env", "e", "", "only show entries for this environment")
	historyCmd.Flags().IntP("limit", "l", 0, "maximum number of entries to show (0 shows everything)")
	historyCmd.Flags().Bool("clear", false, "remove all recorded entries")
}
