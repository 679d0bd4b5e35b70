package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kinshell/kinshell/internal/config"
	"github.com/kinshell/kinshell/internal/mounts"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the resolved configuration"}
	cmd.AddCommand(newConfigShowCmd(), newConfigValidateCmd(), newConfigPathsCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the config after defaults and KINSHELL_* overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadLocalConfig(cmd)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd, cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	show.Flags().Bool("json", false, "Print JSON instead of YAML")
	return show
}

// The mount allowlist is checked too: serve refuses to start on a
// malformed one, while a missing one only disables additional mounts.
func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and the mount allowlist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadLocalConfig(cmd)
			if err != nil {
				return err
			}
			al, err := mounts.LoadAllowlist(cfg.Mounts.Allowlist)
			if err != nil {
				return &ExitError{code: exitUsage, err: err}
			}
			if al.Missing {
				fmt.Fprintf(cmd.ErrOrStderr(), "note: no mount allowlist at %s; additional mounts are disabled\n", cfg.Mounts.Allowlist)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newConfigPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "List the files and directories kinshell uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadLocalConfig(cmd)
			if err != nil {
				return err
			}
			tw := newTable(cmd)
			for _, row := range configPaths(cfg) {
				fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
			}
			return tw.Flush()
		},
	}
}

func configPaths(cfg *config.Config) [][2]string {
	rows := [][2]string{
		{"data", cfg.Paths.DataDir},
		{"store", cfg.Paths.StorePath},
		{"groups", cfg.Paths.GroupsDir},
		{"global", cfg.Paths.GlobalDir},
		{"logs", cfg.Paths.LogsDir},
		{"ipc", cfg.IPCDir()},
		{"sessions", cfg.SessionsDir()},
		{"env", cfg.EnvDir()},
		{"outbox", cfg.Transport.Outbox},
		{"roster", cfg.Transport.Roster},
		{"mount-allowlist", cfg.Mounts.Allowlist},
	}
	if cfg.Vaults.Private.Enabled {
		rows = append(rows, [2]string{"private-vault", cfg.Vaults.Private.Path})
	}
	if cfg.Vaults.Shared.Enabled {
		rows = append(rows, [2]string{"shared-vault", cfg.Vaults.Shared.Path})
	}
	return rows
}
