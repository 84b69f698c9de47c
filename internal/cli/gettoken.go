package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"project-magpie/internal/config"
	"project-magpie/internal/filesystem"
	"project-magpie/internal/storage"
)

func newGetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-token",
		Short: "Print the admin api token and exit",
		Long: `Prints the api token of the admin user to stdout. The token is what the
web UI and scripts authenticate with; treat it like a password.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := resolveWorkDir()
			if err != nil {
				return err
			}
			paths, err := config.ResolvePaths(workDir, flagDevMode)
			if err != nil {
				return err
			}
			if err := filesystem.EnsureWritableDir(paths.DBDir); err != nil {
				return err
			}

			store, err := storage.Open(paths.DBFile())
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := store.GetUserByName(storage.AdminUserName)
			if err != nil {
				return fmt.Errorf("failed to load the admin user: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), user.APIToken)
			return nil
		},
	}
}
