package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"backupd/internal/checksum"
	"backupd/internal/pipeline"
)

var (
	verifyStorage string
	verifyPath    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a stored artifact against its sidecar checksum",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		store, err := app.registry.Storage(verifyStorage)
		if err != nil {
			return err
		}

		raw, err := store.Read(ctx, verifyPath+pipeline.SidecarSuffix)
		if err != nil {
			return err
		}
		if raw == nil {
			return fmt.Errorf("no sidecar found for %s; cannot verify without its recorded checksum", verifyPath)
		}
		var meta pipeline.BackupMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("sidecar for %s is unparseable: %w", verifyPath, err)
		}

		tmpDir, err := os.MkdirTemp("", "backupd-verify-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmpDir)

		localPath := filepath.Join(tmpDir, "artifact.bin")
		if err := store.Download(ctx, verifyPath, localPath, nil); err != nil {
			return err
		}

		result, err := checksum.VerifyFile(localPath, meta.Checksum)
		if err != nil {
			return err
		}

		fmt.Printf("Artifact:  %s\n", verifyPath)
		fmt.Printf("Job:       %s\n", meta.JobName)
		fmt.Printf("Created:   %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Databases: %d\n", meta.Databases.Count)
		if !result.Valid {
			fmt.Printf("Checksum:  %s\n", color.RedString("MISMATCH"))
			fmt.Printf("  expected %s\n  actual   %s\n", result.Expected, result.Actual)
			return fmt.Errorf("artifact %s failed verification", verifyPath)
		}
		fmt.Printf("Checksum:  %s (%s)\n", color.GreenString("OK"), result.Actual)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyStorage, "storage", "", "storage target id holding the artifact")
	verifyCmd.Flags().StringVar(&verifyPath, "path", "", "artifact path within the storage target")
	verifyCmd.MarkFlagRequired("storage")
	verifyCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(verifyCmd)
}
