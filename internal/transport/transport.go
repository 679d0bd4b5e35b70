// Package transport defines what the host needs from a messaging
// connection. Connection and authentication lifecycles stay with the
// implementation.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/kinshell/kinshell/pkg/types"
)

var ErrUnknownChannel = errors.New("unknown channel")

type Transport interface {
	Send(ctx context.Context, channelID, text string) error
	// Participants returns the live member list of a channel.
	Participants(ctx context.Context, channelID string) ([]types.Participant, error)
	// Channels returns metadata for every channel the transport can see.
	Channels(ctx context.Context) ([]types.Chat, error)
}

// Inbox is where inbound events are recorded.
type Inbox interface {
	StoreChat(ctx context.Context, chat types.Chat) error
	StoreMessage(ctx context.Context, msg types.Message) error
}

// Deliver records an inbound message and bumps its channel's activity.
func Deliver(ctx context.Context, inbox Inbox, chat types.Chat, msg types.Message) error {
	if msg.ChannelID == "" {
		msg.ChannelID = chat.ChannelID
	}
	if msg.ChannelID != chat.ChannelID {
		return fmt.Errorf("message channel %q does not match chat %q", msg.ChannelID, chat.ChannelID)
	}
	chat.LastMessageTime = msg.Timestamp
	if err := inbox.StoreChat(ctx, chat); err != nil {
		return err
	}
	return inbox.StoreMessage(ctx, msg)
}
