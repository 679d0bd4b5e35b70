package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

const groupColumns = `folder, channel_id, name, COALESCE(trigger_pattern, ''), COALESCE(context_tier, ''), COALESCE(container_config, ''), added_ns`

func (s *Store) PutGroup(ctx context.Context, g types.Group) error {
	if g.Folder == "" || g.ChannelID == "" {
		return fmt.Errorf("group missing folder or channel")
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now().UTC()
	}
	var tier string
	if g.ContextTier != nil {
		tier = string(*g.ContextTier)
	}
	var cc string
	if g.ContainerConfig != nil {
		b, err := json.Marshal(g.ContainerConfig)
		if err != nil {
			return fmt.Errorf("marshal container config: %w", err)
		}
		cc = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups(folder, channel_id, name, trigger_pattern, context_tier, container_config, added_ns)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(folder) DO UPDATE SET
			channel_id = excluded.channel_id,
			name = excluded.name,
			trigger_pattern = excluded.trigger_pattern,
			context_tier = excluded.context_tier,
			container_config = excluded.container_config;`,
		g.Folder, g.ChannelID, g.Name, nullable(g.Trigger), nullable(tier), nullable(cc), g.AddedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put group: %w", err)
	}
	return nil
}

func (s *Store) GroupByFolder(ctx context.Context, folder string) (types.Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM registered_groups WHERE folder = ?`, folder))
}

func (s *Store) GroupByChannel(ctx context.Context, channelID string) (types.Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM registered_groups WHERE channel_id = ?`, channelID))
}

func (s *Store) ListGroups(ctx context.Context) ([]types.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM registered_groups ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []types.Group
	for rows.Next() {
		g, err := s.scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanGroup(row rowScanner) (types.Group, error) {
	var g types.Group
	var tier, cc string
	var ns int64
	if err := row.Scan(&g.Folder, &g.ChannelID, &g.Name, &g.Trigger, &tier, &cc, &ns); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Group{}, store.ErrNotFound
		}
		return types.Group{}, fmt.Errorf("scan group: %w", err)
	}
	g.AddedAt = fromNs(ns)
	if tier != "" {
		t := types.Tier(tier)
		g.ContextTier = &t
	}
	if cc != "" {
		var cfg types.ContainerConfig
		if err := json.Unmarshal([]byte(cc), &cfg); err != nil {
			return types.Group{}, fmt.Errorf("group %s container config: %w", g.Folder, err)
		}
		g.ContainerConfig = &cfg
	}
	return g, nil
}
