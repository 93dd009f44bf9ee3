package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("backupd %s\n", version)
		fmt.Printf("  build time: %s\n", buildTime)
		fmt.Printf("  commit:     %s\n", gitCommit)
		fmt.Printf("  go:         %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
