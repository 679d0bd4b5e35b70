package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kinshell/kinshell/pkg/types"
)

func (s *Store) StoreChat(ctx context.Context, chat types.Chat) error {
	if chat.ChannelID == "" {
		return fmt.Errorf("chat missing channel id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats(channel_id, name, is_group, last_message_ns) VALUES(?,?,?,?)
		ON CONFLICT(channel_id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), chats.name),
			is_group = excluded.is_group,
			last_message_ns = MAX(chats.last_message_ns, excluded.last_message_ns);`,
		chat.ChannelID, chat.Name, boolToInt(chat.IsGroup), unixNs(chat.LastMessageTime),
	)
	if err != nil {
		return fmt.Errorf("store chat: %w", err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context) ([]types.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, COALESCE(name, ''), is_group, last_message_ns FROM chats ORDER BY last_message_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []types.Chat
	for rows.Next() {
		var c types.Chat
		var isGroup int
		var ns int64
		if err := rows.Scan(&c.ChannelID, &c.Name, &isGroup, &ns); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.IsGroup = isGroup != 0
		c.LastMessageTime = fromNs(ns)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats rows: %w", err)
	}
	return out, nil
}

func (s *Store) StoreMessage(ctx context.Context, msg types.Message) error {
	if msg.ID == "" || msg.ChannelID == "" {
		return fmt.Errorf("message missing id or channel")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages(id, channel_id, sender, sender_name, text, ts_unix_ns, from_assistant)
		VALUES(?,?,?,?,?,?,?);`,
		msg.ID, msg.ChannelID, msg.SenderIdentity, nullable(msg.SenderDisplayName), msg.Text,
		msg.Timestamp.UTC().UnixNano(), boolToInt(msg.FromAssistant),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats(channel_id, last_message_ns) VALUES(?,?)
		ON CONFLICT(channel_id) DO UPDATE SET last_message_ns = MAX(chats.last_message_ns, excluded.last_message_ns);`,
		msg.ChannelID, msg.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func (s *Store) MessagesSince(ctx context.Context, channelIDs []string, since time.Time) ([]types.Message, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	place := make([]string, 0, len(channelIDs))
	args := make([]any, 0, len(channelIDs)+1)
	for _, id := range channelIDs {
		place = append(place, "?")
		args = append(args, id)
	}
	args = append(args, unixNs(since))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, sender, COALESCE(sender_name, ''), COALESCE(text, ''), ts_unix_ns, from_assistant
		FROM messages WHERE channel_id IN (`+strings.Join(place, ",")+`) AND ts_unix_ns > ?
		ORDER BY ts_unix_ns ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var ns int64
		var fromAssistant int
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderIdentity, &m.SenderDisplayName, &m.Text, &ns, &fromAssistant); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromNs(ns)
		m.FromAssistant = fromAssistant != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages rows: %w", err)
	}
	return out, nil
}

func unixNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}
