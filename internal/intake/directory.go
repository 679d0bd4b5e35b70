package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kinshell/kinshell/internal/transport"
	"github.com/kinshell/kinshell/pkg/types"
)

type DirectoryStore interface {
	StoreChat(ctx context.Context, chat types.Chat) error
	ListGroups(ctx context.Context) ([]types.Group, error)
	ReplaceParticipants(ctx context.Context, channelID string, participants []types.Participant) (added, removed []string, err error)
}

// Invalidator drops cached stranger decisions.
type Invalidator interface {
	Invalidate(ctx context.Context, groupID string)
}

// Directory syncs channel metadata and group membership from the
// transport. A membership change invalidates that channel's stranger
// decision.
type Directory struct {
	transport transport.Transport
	store     DirectoryStore
	cache     Invalidator
	logger    *slog.Logger
}

func NewDirectory(t transport.Transport, st DirectoryStore, cache Invalidator, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{transport: t, store: st, cache: cache, logger: logger}
}

func (d *Directory) Refresh(ctx context.Context) error {
	chats, err := d.transport.Channels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, c := range chats {
		if err := d.store.StoreChat(ctx, c); err != nil {
			return err
		}
	}
	groups, err := d.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		ps, err := d.transport.Participants(ctx, g.ChannelID)
		if errors.Is(err, transport.ErrUnknownChannel) {
			continue
		}
		if err != nil {
			return fmt.Errorf("participants of %s: %w", g.Folder, err)
		}
		added, removed, err := d.store.ReplaceParticipants(ctx, g.ChannelID, ps)
		if err != nil {
			return err
		}
		if len(added)+len(removed) > 0 {
			d.logger.Info("group membership changed", "group", g.Folder, "added", added, "removed", removed)
			if d.cache != nil {
				d.cache.Invalidate(ctx, g.ChannelID)
			}
		}
	}
	d.logger.Info("channel directory refreshed", "channels", len(chats), "groups", len(groups))
	return nil
}
