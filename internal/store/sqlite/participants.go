package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

func (s *Store) ReplaceParticipants(ctx context.Context, channelID string, participants []types.Participant) ([]string, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("replace participants: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev := map[string]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT identity FROM group_participants WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("read participants: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan participant: %w", err)
		}
		prev[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read participants rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_participants WHERE channel_id = ?`, channelID); err != nil {
		return nil, nil, fmt.Errorf("clear participants: %w", err)
	}
	next := map[string]bool{}
	for _, p := range participants {
		if next[p.Identity] {
			continue
		}
		next[p.Identity] = true
		if _, err := tx.ExecContext(ctx, `INSERT INTO group_participants(channel_id, identity, display_name) VALUES(?,?,?)`,
			channelID, p.Identity, nullable(p.DisplayName)); err != nil {
			return nil, nil, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit participants: %w", err)
	}

	var added, removed []string
	for id := range next {
		if !prev[id] {
			added = append(added, id)
		}
	}
	for id := range prev {
		if !next[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, nil
}

func (s *Store) Participants(ctx context.Context, channelID string) ([]types.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, COALESCE(display_name, '') FROM group_participants WHERE channel_id = ? ORDER BY identity`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()
	var out []types.Participant
	for rows.Next() {
		var p types.Participant
		if err := rows.Scan(&p.Identity, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetStrangerEntry(ctx context.Context, groupID string) (types.StrangerEntry, error) {
	var e types.StrangerEntry
	var has int
	var strangers, snapshot string
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT group_id, has_strangers, strangers_json, snapshot_json, checked_ns FROM stranger_cache WHERE group_id = ?`, groupID).
		Scan(&e.GroupID, &has, &strangers, &snapshot, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StrangerEntry{}, store.ErrNotFound
	}
	if err != nil {
		return types.StrangerEntry{}, fmt.Errorf("read stranger entry: %w", err)
	}
	e.HasStrangers = has != 0
	e.LastChecked = fromNs(ns)
	if err := json.Unmarshal([]byte(strangers), &e.Strangers); err != nil {
		return types.StrangerEntry{}, fmt.Errorf("decode strangers: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
		return types.StrangerEntry{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return e, nil
}

func (s *Store) PutStrangerEntry(ctx context.Context, e types.StrangerEntry) error {
	strangers, err := json.Marshal(nonNil(e.Strangers))
	if err != nil {
		return fmt.Errorf("encode strangers: %w", err)
	}
	snapshot, err := json.Marshal(nonNil(e.Snapshot))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO stranger_cache(group_id, has_strangers, strangers_json, snapshot_json, checked_ns) VALUES(?,?,?,?,?)`,
		e.GroupID, boolToInt(e.HasStrangers), string(strangers), string(snapshot), unixNs(e.LastChecked))
	if err != nil {
		return fmt.Errorf("write stranger entry: %w", err)
	}
	return nil
}

func (s *Store) ClearStrangerEntries(ctx context.Context, groupID string) error {
	var err error
	if groupID == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM stranger_cache`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM stranger_cache WHERE group_id = ?`, groupID)
	}
	if err != nil {
		return fmt.Errorf("clear stranger cache: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
