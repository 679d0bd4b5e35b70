package stranger

import (
	"context"
	"log/slog"
	"slices"
	"sort"

	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/pkg/types"
)

// Classifier classifies identities against one registry snapshot.
type Classifier interface {
	ClassifyAll(ctx context.Context, identities []string) map[string]types.Tier
}

// Verdict is the gate decision for a channel.
type Verdict struct {
	HasStrangers bool
	// Strangers lists the unregistered participants.
	Strangers []types.Participant
	// Refreshed is true when the decision was recomputed rather than served
	// from cache. Owner notifications are sent only on refreshed verdicts.
	Refreshed bool
}

// Gate denies an entire channel when any participant is a stranger.
type Gate struct {
	classifier Classifier
	cache      *Cache
	logger     *slog.Logger
}

func NewGate(classifier Classifier, cache *Cache, logger *slog.Logger) *Gate {
	if cache == nil {
		cache = NewCache(CacheOptions{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{classifier: classifier, cache: cache, logger: logger}
}

// Cache returns the gate's cache so callers can invalidate it.
func (g *Gate) Cache() *Cache { return g.cache }

// Check decides whether groupID contains strangers. A cached decision is
// reused only while it is unexpired and its participant snapshot equals the
// current set exactly.
func (g *Gate) Check(ctx context.Context, groupID string, participants []types.Participant, forceRefresh bool) Verdict {
	byID := make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		id := registry.Normalize(p.Identity)
		if id == "" {
			continue
		}
		if _, ok := byID[id]; !ok {
			byID[id] = types.Participant{Identity: id, DisplayName: p.DisplayName}
		}
	}
	snapshot := make([]string, 0, len(byID))
	for id := range byID {
		snapshot = append(snapshot, id)
	}
	sort.Strings(snapshot)

	if !forceRefresh {
		if e, ok := g.cache.Get(ctx, groupID); ok && slices.Equal(e.Snapshot, snapshot) {
			return Verdict{HasStrangers: e.HasStrangers, Strangers: resolve(e.Strangers, byID)}
		}
	}

	tiers := g.classifier.ClassifyAll(ctx, snapshot)
	var strangers []string
	for _, id := range snapshot {
		if tier, ok := tiers[id]; !ok || tier == types.TierStranger {
			strangers = append(strangers, id)
		}
	}
	g.cache.Put(ctx, types.StrangerEntry{
		GroupID:      groupID,
		HasStrangers: len(strangers) > 0,
		Strangers:    strangers,
		Snapshot:     snapshot,
	})
	if len(strangers) > 0 {
		g.logger.Warn("stranger gate: channel contains unregistered participants", "group", groupID, "strangers", len(strangers))
	}
	return Verdict{HasStrangers: len(strangers) > 0, Strangers: resolve(strangers, byID), Refreshed: true}
}

func resolve(ids []string, byID map[string]types.Participant) []types.Participant {
	out := make([]types.Participant, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		} else {
			out = append(out, types.Participant{Identity: id})
		}
	}
	return out
}
