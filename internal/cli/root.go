package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kinshell",
		Short:         "kinshell: a family-scoped host for a sandboxed assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("kinshell {{.Version}}\n")

	cmd.PersistentFlags().String("config", getenvDefault("KINSHELL_CONFIG", ""), "Config file path (default: ./config.yml, ./config.yaml, or /etc/kinshell/config.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newUsersCmd())
	cmd.AddCommand(newGroupsCmd())
	cmd.AddCommand(newTasksCmd())
	cmd.AddCommand(newInjectCmd())
	cmd.AddCommand(newQuarantineCmd())
	cmd.AddCommand(newOutboxCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
