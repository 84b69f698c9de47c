package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"project-magpie/internal/svc"
)

func newInstallServiceCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "install-service",
		Short: "Install the server as an OS service",
		Long: `Registers the current executable with the OS service manager so the
server starts with the machine. The installed service runs
"magpie run --service" against the chosen working directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := resolveWorkDir()
			if err != nil {
				return err
			}
			executable, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate the current executable: %w", err)
			}
			if err := svc.Install(executable, workDir, verbose); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed service %q.\n", svc.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "make the installed service write log files")
	return cmd
}

func newUninstallServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall-service",
		Short: "Remove the installed OS service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Uninstall(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled service %q.\n", svc.Name)
			return nil
		},
	}
}
