package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/config"
	"github.com/kinshell/kinshell/internal/ipc"
	"github.com/kinshell/kinshell/internal/quarantine"
)

func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect rejected command-channel files",
	}
	cmd.AddCommand(newQuarantineListCmd(), newQuarantineRestoreCmd(), newQuarantinePurgeCmd())
	return cmd
}

func openQuarantine(cmd *cobra.Command) (*quarantine.Dir, *config.Config, error) {
	cfg, err := loadLocalConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	return quarantine.New(filepath.Join(cfg.IPCDir(), ipc.ErrorsDirName)), cfg, nil
}

func newQuarantineListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined files with the reason they were rejected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := openQuarantine(cmd)
			if err != nil {
				return err
			}
			entries, err := q.List()
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "quarantine empty")
				return nil
			}
			ns, _ := cmd.Flags().GetString("namespace")
			for _, e := range entries {
				if ns != "" && e.Namespace != ns {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s ago\t%s\n", e.Token, e.Namespace, filepath.Base(e.OriginalPath), time.Since(e.Created).Round(time.Second), e.Reason)
			}
			return nil
		},
	}
	cmd.Flags().String("namespace", "", "Filter by group namespace")
	addJSONFlag(cmd)
	return cmd
}

func newQuarantineRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <token>",
		Short: "Move a quarantined file back into its queue for reprocessing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := openQuarantine(cmd)
			if err != nil {
				return err
			}
			path, err := q.Restore(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored to %s\n", path)
			return nil
		},
	}
}

func newQuarantinePurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove quarantined files by age and count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cfg, err := openQuarantine(cmd)
			if err != nil {
				return err
			}
			ttl := config.MustDuration(cfg.Quarantine.Retention)
			if s, _ := cmd.Flags().GetString("ttl"); s != "" {
				if ttl, err = time.ParseDuration(s); err != nil {
					return &ExitError{code: exitUsage, err: fmt.Errorf("parse ttl: %w", err)}
				}
			}
			keep := cfg.Quarantine.Keep
			if cmd.Flags().Changed("keep") {
				keep, _ = cmd.Flags().GetInt("keep")
			}
			removed, err := q.Purge(ttl, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entr(y/ies)\n", removed)
			return nil
		},
	}
	cmd.Flags().String("ttl", "", "Age limit (default quarantine.retention)")
	cmd.Flags().Int("keep", 0, "Keep at most this many entries (default quarantine.keep)")
	return cmd
}
