package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"backupd/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run one configured backup job immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}

		executionID := app.runner.RunJob(cmd.Context(), args[0])
		exec, err := app.store.Get(executionID)
		if err != nil {
			return err
		}
		printExecution(exec)

		if exec.Status != pipeline.StatusSuccess {
			return fmt.Errorf("backup failed: %s", exec.Error)
		}
		return nil
	},
}

func printExecution(exec *pipeline.Execution) {
	fmt.Printf("Execution:  %s\n", exec.ID)
	switch exec.Status {
	case pipeline.StatusSuccess:
		fmt.Printf("Status:     %s\n", color.GreenString(string(exec.Status)))
	case pipeline.StatusFailed:
		fmt.Printf("Status:     %s\n", color.RedString(string(exec.Status)))
	default:
		fmt.Printf("Status:     %s\n", color.YellowString(string(exec.Status)))
	}
	if exec.RemotePath != "" {
		fmt.Printf("Artifact:   %s\n", exec.RemotePath)
	}
	if exec.Size > 0 {
		fmt.Printf("Size:       %d bytes\n", exec.Size)
	}
	if exec.EndedAt != nil {
		fmt.Printf("Duration:   %s\n", exec.EndedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	}

	if verbose {
		fmt.Println("Log:")
		for _, entry := range exec.Log {
			line := fmt.Sprintf("  %s [%s] %s", entry.Timestamp.Format("15:04:05"), entry.Stage, entry.Message)
			if entry.Level == pipeline.LogError {
				line = color.RedString(line)
			}
			fmt.Println(line)
		}
	} else if exec.Error != "" {
		fmt.Printf("Error:      %s\n", color.RedString(exec.Error))
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
