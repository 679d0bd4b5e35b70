package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/transport/local"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Show messages the local transport has sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadLocalConfig(cmd)
			if err != nil {
				return err
			}
			channel, _ := cmd.Flags().GetString("channel")
			limit, _ := cmd.Flags().GetInt("limit")
			recs, err := local.ReadOutbox(cfg.Transport.Outbox, cfg.Transport.OutboxBackups, channel, limit)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "outbox empty")
				return nil
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "TIME\tCHANNEL\tTEXT")
			for _, r := range recs {
				ts := r.Timestamp
				fmt.Fprintf(tw, "%s\t%s\t%s\n", formatTime(&ts), r.ChannelID, oneLine(r.Text, 80))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("channel", "", "Only messages sent to this channel")
	cmd.Flags().Int("limit", 20, "Newest messages to show (0 for all)")
	addJSONFlag(cmd)
	return cmd
}

// oneLine flattens text for a table cell, cutting it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
