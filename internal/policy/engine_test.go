package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	rows []types.Principal
	err  error
}

func (s *stubStore) ListPrincipals(context.Context) ([]types.Principal, error) {
	return s.rows, s.err
}
func (s *stubStore) InsertPrincipal(context.Context, types.Principal) error { return nil }
func (s *stubStore) DeletePrincipal(context.Context, string) error          { return nil }

func newEngine(t *testing.T, st *stubStore) *Engine {
	t.Helper()
	reg, err := registry.New(registry.Options{Store: st})
	require.NoError(t, err)
	return NewEngine(reg, nil)
}

func TestClassify(t *testing.T) {
	e := newEngine(t, &stubStore{rows: []types.Principal{
		{Identity: "1@s", Tier: types.TierOwner},
		{Identity: "2@s", Tier: types.TierFamily},
		{Identity: "3@s", Tier: types.TierFriend},
	}})
	ctx := context.Background()
	assert.Equal(t, types.TierOwner, e.Classify(ctx, "1:7@s"))
	assert.Equal(t, types.TierFamily, e.Classify(ctx, "2@s"))
	assert.Equal(t, types.TierFriend, e.Classify(ctx, "3@s"))
	assert.Equal(t, types.TierStranger, e.Classify(ctx, "4@s"))
	assert.Equal(t, types.TierStranger, e.Classify(ctx, ""))
}

func TestClassify_RegistryFailureIsStranger(t *testing.T) {
	e := newEngine(t, &stubStore{
		rows: []types.Principal{{Identity: "1@s", Tier: types.TierOwner}},
		err:  errors.New("corrupt"),
	})
	ctx := context.Background()
	assert.Equal(t, types.TierStranger, e.Classify(ctx, "1@s"))
	assert.False(t, e.CanInvoke(ctx, "1@s", false).CanInvoke)
	assert.Equal(t, map[string]types.Tier{"1@s": types.TierStranger}, e.ClassifyAll(ctx, []string{"1@s"}))

	assert.Equal(t, types.TierStranger, NewEngine(nil, nil).Classify(ctx, "1@s"))
}

func TestCanInvoke(t *testing.T) {
	e := newEngine(t, &stubStore{rows: []types.Principal{
		{Identity: "1@s", Tier: types.TierOwner},
		{Identity: "2@s", Tier: types.TierFamily},
		{Identity: "3@s", Tier: types.TierFriend},
	}})
	ctx := context.Background()
	tests := []struct {
		id   string
		want bool
		tier types.Tier
	}{
		{"1@s", true, types.TierOwner},
		{"2@s", true, types.TierFamily},
		{"3@s", false, types.TierFriend},
		{"9@s", false, types.TierStranger},
	}
	for _, tt := range tests {
		for _, group := range []bool{true, false} {
			d := e.CanInvoke(ctx, tt.id, group)
			assert.Equal(t, tt.want, d.CanInvoke, "%s group=%v", tt.id, group)
			assert.Equal(t, tt.tier, d.Tier)
			assert.NotEmpty(t, d.Reason)
		}
	}
}

func TestEffectiveContext_NeverLessRestrictiveThanSender(t *testing.T) {
	all := []types.Tier{types.TierOwner, types.TierFamily, types.TierFriend, types.TierStranger}
	for _, sender := range all {
		base := InferTier(sender)
		assert.Equal(t, base, EffectiveContext(sender, nil))
		for _, g := range all {
			g := g
			got := EffectiveContext(sender, &g)
			assert.GreaterOrEqual(t, got.Restrictiveness(), base.Restrictiveness(), "sender=%s group=%s", sender, g)
			assert.GreaterOrEqual(t, got.Restrictiveness(), InferTier(g).Restrictiveness(), "sender=%s group=%s", sender, g)
			assert.NotEqual(t, types.TierStranger, got)
		}
	}
}

func TestEffectiveContext_FriendCannotInheritOwnerGroup(t *testing.T) {
	owner := types.TierOwner
	assert.Equal(t, types.TierFriend, EffectiveContext(types.TierFriend, &owner))
	friend := types.TierFriend
	assert.Equal(t, types.TierFriend, EffectiveContext(types.TierOwner, &friend))
	family := types.TierFamily
	assert.Equal(t, types.TierFamily, EffectiveContext(types.TierOwner, &family))
}
