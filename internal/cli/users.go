package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/pkg/types"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the principal registry",
	}
	cmd.AddCommand(newUsersListCmd(), newUsersAddCmd(), newUsersRemoveCmd(), newUsersSetOwnerCmd(), newUsersTierCmd())
	return cmd
}

func newUsersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered principals",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			snap, err := a.registry.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			list := snap.List()
			if wantJSON(cmd) {
				return printJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no principals registered")
				return nil
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "TIER\tIDENTITY\tNAME\tADDED BY")
			for _, p := range list {
				by := p.AddedBy
				if by == "" {
					by = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Tier, p.Identity, p.DisplayName, by)
			}
			return tw.Flush()
		}),
	}
	addJSONFlag(cmd)
	return cmd
}

func newUsersAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <family|friend> <identity>",
		Short: "Register a family member or friend",
		Args:  cobra.ExactArgs(2),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			tier, err := types.ParseTier(args[0])
			if err != nil {
				return &ExitError{code: exitUsage, err: err}
			}
			p, err := a.registry.Add(cmd.Context(), tier, args[1], name, "cli")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s as %s\n", p.Identity, p.Tier)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func newUsersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <identity>",
		Short: "Remove a family member or friend",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			p, err := a.registry.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", p.Identity, p.Tier)
			return nil
		}),
	}
}

func newUsersSetOwnerCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "set-owner <identity>",
		Short: "Register the owner (only when none is set)",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			if err := a.registry.SetOwner(cmd.Context(), args[0], name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "owner set to %s\n", registry.Normalize(args[0]))
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func newUsersTierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tier <identity>",
		Short: "Print the tier an identity classifies as",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			snap, err := a.registry.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), snap.Tier(args[0]))
			return nil
		}),
	}
}
