package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/pkg/types"
)

var errNoRegistry = errors.New("no registry configured")

// SnapshotSource provides registry snapshots.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*registry.Snapshot, error)
}

// Decision is the outcome of an invocation check.
type Decision struct {
	CanInvoke bool
	Tier      types.Tier
	Reason    string
}

// Engine classifies principals and derives execution contexts. It fails
// secure: when the registry cannot be read every identity is a stranger.
type Engine struct {
	registry SnapshotSource
	logger   *slog.Logger
}

func NewEngine(src SnapshotSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: src, logger: logger}
}

// Classify returns the tier of identity.
func (e *Engine) Classify(ctx context.Context, identity string) types.Tier {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return types.TierStranger
	}
	return snap.Tier(identity)
}

// A nil snapshot classifies everyone as a stranger.
func (e *Engine) snapshot(ctx context.Context) (*registry.Snapshot, error) {
	if e.registry == nil {
		return nil, errNoRegistry
	}
	snap, err := e.registry.Snapshot(ctx)
	if err != nil {
		e.logger.Error("policy: registry unavailable, treating all identities as strangers", "error", err)
		return nil, err
	}
	return snap, nil
}

// ClassifyAll classifies several identities against one snapshot.
func (e *Engine) ClassifyAll(ctx context.Context, identities []string) map[string]types.Tier {
	out := make(map[string]types.Tier, len(identities))
	snap, err := e.snapshot(ctx)
	for _, id := range identities {
		if err != nil {
			out[id] = types.TierStranger
			continue
		}
		out[id] = snap.Tier(id)
	}
	return out
}

// CanInvoke reports whether identity may start an agent turn. Only owner
// and family can; friends and strangers are stored as passive context.
func (e *Engine) CanInvoke(ctx context.Context, identity string, isGroupChat bool) Decision {
	tier := e.Classify(ctx, identity)
	d := Decision{Tier: tier}
	switch tier {
	case types.TierOwner:
		d.CanInvoke = true
		d.Reason = "owner"
	case types.TierFamily:
		d.CanInvoke = true
		d.Reason = "family member"
	case types.TierFriend:
		d.Reason = "friends cannot invoke the assistant"
	default:
		d.Reason = "sender is not registered"
	}
	if !d.CanInvoke && isGroupChat {
		d.Reason += " (message kept as context)"
	}
	return d
}

// InferTier maps a sender tier to the baseline execution tier.
func InferTier(sender types.Tier) types.Tier {
	switch sender {
	case types.TierOwner:
		return types.TierOwner
	case types.TierFamily:
		return types.TierFamily
	default:
		return types.TierFriend
	}
}

// EffectiveContext reconciles the sender's tier with a group override.
// The override can only restrict, never elevate.
func EffectiveContext(sender types.Tier, groupTier *types.Tier) types.Tier {
	base := InferTier(sender)
	if groupTier == nil || !groupTier.IsValid() {
		return base
	}
	return InferTier(types.MoreRestrictive(base, *groupTier))
}
