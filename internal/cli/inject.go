package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/internal/transport"
	"github.com/kinshell/kinshell/pkg/types"
)

// newInjectCmd records an inbound message as if the transport had
// delivered it. It is the inbound side of the local transport.
func newInjectCmd() *cobra.Command {
	var channel, from, name, chatName, at string
	var isGroup bool
	cmd := &cobra.Command{
		Use:   "inject <text>...",
		Short: "Store an inbound message for the host to pick up",
		Args:  cobra.MinimumNArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			if channel == "" || from == "" {
				return &ExitError{code: exitUsage, message: "--channel and --from are required"}
			}
			ts := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return &ExitError{code: exitUsage, err: fmt.Errorf("parse --at: %w", err)}
				}
				ts = t.UTC()
			}
			msg := types.Message{
				ID:                uuid.NewString(),
				ChannelID:         channel,
				SenderIdentity:    registry.Normalize(from),
				SenderDisplayName: name,
				Text:              strings.Join(args, " "),
				Timestamp:         ts,
			}
			chat := types.Chat{ChannelID: channel, Name: chatName, IsGroup: isGroup}
			if err := transport.Deliver(cmd.Context(), a.store, chat, msg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel id the message arrived on")
	cmd.Flags().StringVar(&from, "from", "", "Sender identity")
	cmd.Flags().StringVar(&name, "name", "", "Sender display name")
	cmd.Flags().StringVar(&chatName, "chat-name", "", "Channel display name")
	cmd.Flags().BoolVar(&isGroup, "group-chat", false, "The channel is a multi-party chat")
	cmd.Flags().StringVar(&at, "at", "", "Message time (RFC3339, default now)")
	return cmd
}
