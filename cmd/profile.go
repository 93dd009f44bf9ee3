package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	profileName        string
	profileDescription string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage encryption profiles",
	Long: `Encryption profiles hold the master keys backups are encrypted with.
Keys are generated locally, wrapped with the application secret, and
stored only as ciphertext.`,
}

var profileCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an encryption profile with a fresh master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		v, err := app.openVault()
		if err != nil {
			return err
		}

		profile, err := v.CreateProfile(profileName, profileDescription)
		if err != nil {
			return err
		}

		fmt.Printf("Created profile %s\n", color.GreenString(profile.ID))
		fmt.Printf("Name: %s\n", profile.Name)
		fmt.Println("Reference this id as encryption_profile in a job definition.")
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List encryption profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		v, err := app.openVault()
		if err != nil {
			return err
		}

		profiles, err := v.List()
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Println("No encryption profiles.")
			return nil
		}
		for _, p := range profiles {
			fmt.Printf("%s  %s  created %s\n",
				color.CyanString(p.ID), p.Name, p.CreatedAt.Format("2006-01-02"))
			if p.Description != "" {
				fmt.Printf("    %s\n", p.Description)
			}
		}
		return nil
	},
}

func init() {
	profileCreateCmd.Flags().StringVar(&profileName, "name", "", "profile name")
	profileCreateCmd.Flags().StringVar(&profileDescription, "description", "", "profile description")
	profileCreateCmd.MarkFlagRequired("name")
	profileCmd.AddCommand(profileCreateCmd, profileListCmd)
	rootCmd.AddCommand(profileCmd)
}
