package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"backupd/internal/adapter"
	"backupd/internal/confirmation"
	"backupd/internal/pipeline"
)

var (
	restoreStorage  string
	restoreSource   string
	restorePath     string
	restoreMapping  map[string]string
	restoreTargetDB string
	restoreUser     string
	restorePassword string
	restoreYes      bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a stored artifact into a configured database source",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}

		_, base, err := app.cfgStore.DatabaseSource(restoreSource)
		if err != nil {
			return err
		}

		input := pipeline.RestoreInput{
			SourceID:       restoreSource,
			StorageID:      restoreStorage,
			RemotePath:     restorePath,
			Mapping:        restoreMapping,
			TargetDatabase: restoreTargetDB,
		}
		if restoreUser != "" {
			input.Credentials = &adapter.DatabaseConfig{
				Host:     base.Host,
				Port:     base.Port,
				Username: restoreUser,
				Password: restorePassword,
			}
		}

		ok, err := confirmation.New().Confirm(confirmation.Request{
			SourceID:   restoreSource,
			Host:       fmt.Sprintf("%s:%d", base.Host, base.Port),
			RemotePath: restorePath,
			Databases:  restoreTargets(),
		}, restoreYes)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		// The CLI waits for the outcome rather than detaching.
		app.restore.Submit = func(task func()) { task() }

		executionID, err := app.restore.Restore(cmd.Context(), input)
		if err != nil {
			return err
		}
		exec, err := app.store.Get(executionID)
		if err != nil {
			return err
		}
		printExecution(exec)

		if exec.Status != pipeline.StatusSuccess {
			return fmt.Errorf("restore failed: %s", exec.Error)
		}
		return nil
	},
}

// restoreTargets lists the databases the operator explicitly asked for.
// Returns nil when the artifact decides, which the prompt calls out.
func restoreTargets() []string {
	if restoreTargetDB != "" {
		return []string{restoreTargetDB}
	}
	if len(restoreMapping) == 0 {
		return nil
	}
	targets := make([]string, 0, len(restoreMapping))
	for _, target := range restoreMapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

func init() {
	restoreCmd.Flags().StringVar(&restoreStorage, "storage", "", "storage target id holding the artifact")
	restoreCmd.Flags().StringVar(&restoreSource, "source", "", "database source id to restore into")
	restoreCmd.Flags().StringVar(&restorePath, "path", "", "artifact path within the storage target")
	restoreCmd.Flags().StringToStringVar(&restoreMapping, "map", nil, "restore only these databases, renamed (original=target)")
	restoreCmd.Flags().StringVar(&restoreTargetDB, "target-db", "", "override the destination database for a single-database dump")
	restoreCmd.Flags().StringVar(&restoreUser, "user", "", "restore with these credentials instead of the configured ones")
	restoreCmd.Flags().StringVar(&restorePassword, "password", "", "password for --user")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the overwrite confirmation prompt")
	restoreCmd.MarkFlagRequired("storage")
	restoreCmd.MarkFlagRequired("source")
	restoreCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(restoreCmd)
}
