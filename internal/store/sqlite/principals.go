package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

func (s *Store) ListPrincipals(ctx context.Context) ([]types.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, tier, COALESCE(display_name, ''), added_ns, COALESCE(added_by, '') FROM principals ORDER BY added_ns`)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var out []types.Principal
	for rows.Next() {
		var p types.Principal
		var tier string
		var ns int64
		if err := rows.Scan(&p.Identity, &tier, &p.DisplayName, &ns, &p.AddedBy); err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		p.Tier = types.Tier(tier)
		p.AddedAt = fromNs(ns)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list principals rows: %w", err)
	}
	return out, nil
}

// InsertPrincipal fails if the identity already exists in any tier, or if a
// second owner is inserted.
func (s *Store) InsertPrincipal(ctx context.Context, p types.Principal) error {
	if p.Identity == "" {
		return fmt.Errorf("principal missing identity")
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals(identity, tier, display_name, added_ns, added_by) VALUES(?,?,?,?,?);`,
		p.Identity, string(p.Tier), nullable(p.DisplayName), p.AddedAt.UTC().UnixNano(), nullable(p.AddedBy),
	)
	if err != nil {
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

func (s *Store) DeletePrincipal(ctx context.Context, identity string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
