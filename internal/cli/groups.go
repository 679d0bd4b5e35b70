package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/sandbox"
	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage registered groups",
	}
	cmd.AddCommand(newGroupsListCmd(), newGroupsRegisterCmd())
	return cmd
}

func newGroupsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			groups, err := a.store.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd, groups)
			}
			if len(groups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no groups registered")
				return nil
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "FOLDER\tCHANNEL\tNAME\tTIER\tTRIGGER")
			for _, g := range groups {
				trigger := g.Trigger
				if trigger == "" {
					trigger = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.Folder, g.ChannelID, g.Name, g.SourceTier(), trigger)
			}
			return tw.Flush()
		}),
	}
	addJSONFlag(cmd)
	return cmd
}

func newGroupsRegisterCmd() *cobra.Command {
	var (
		channel, folder, name, trigger, tier string
		timeout                              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a channel as a group",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			ctx := cmd.Context()
			if channel == "" || folder == "" {
				return &ExitError{code: exitUsage, message: "--channel and --folder are required"}
			}
			if !types.ValidFolder(folder) {
				return &ExitError{code: exitUsage, message: fmt.Sprintf("invalid folder %q", folder)}
			}
			g := types.Group{ChannelID: channel, Name: name, Folder: folder, Trigger: trigger, AddedAt: time.Now().UTC()}
			if g.Name == "" {
				g.Name = folder
			}
			if tier != "" {
				t, err := types.ParseTier(tier)
				if err != nil || t == types.TierStranger {
					return &ExitError{code: exitUsage, message: fmt.Sprintf("invalid context tier %q", tier)}
				}
				g.ContextTier = &t
			}
			if timeout > 0 {
				g.ContainerConfig = &types.ContainerConfig{Timeout: types.Duration(timeout)}
			}

			existing, err := a.store.GroupByFolder(ctx, folder)
			switch {
			case err == nil && existing.ChannelID != channel:
				return &ExitError{code: exitUsage, message: fmt.Sprintf("folder %q already belongs to %s", folder, existing.ChannelID)}
			case err == nil:
				g.AddedAt = existing.AddedAt
				if g.ContainerConfig == nil {
					g.ContainerConfig = existing.ContainerConfig
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
			if err := a.store.PutGroup(ctx, g); err != nil {
				return err
			}
			if _, err := sandbox.EnsureIPCNamespace(a.cfg.IPCDir(), folder); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %s\n", channel, folder)
			return nil
		}),
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel id")
	cmd.Flags().StringVar(&folder, "folder", "", "Group folder (lowercase letters, digits, - and _)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "Trigger pattern (default @<assistant>)")
	cmd.Flags().StringVar(&tier, "tier", "", "Context tier override (owner|family|friend)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Sandbox timeout override")
	return cmd
}
