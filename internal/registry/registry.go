package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

var (
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrInvalidTier       = errors.New("tier must be family or friend")
	ErrAlreadyRegistered = errors.New("identity already registered")
	ErrOwnerExists       = errors.New("owner already set")
	ErrOwnerImmutable    = errors.New("owner cannot be removed")
	ErrNotFound          = errors.New("identity not registered")
)

// DefaultCacheTTL bounds how stale a cached snapshot may be.
const DefaultCacheTTL = 30 * time.Second

// Store is the persistence the registry needs.
type Store interface {
	ListPrincipals(ctx context.Context) ([]types.Principal, error)
	InsertPrincipal(ctx context.Context, p types.Principal) error
	DeletePrincipal(ctx context.Context, identity string) error
}

type Options struct {
	Store  Store
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Registry holds the owner, family and friend sets. Reads are served from
// a snapshot cached for at most TTL; every write invalidates it before
// returning.
type Registry struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time
	// gen is bumped by Invalidate; a load that started under an older
	// generation must not be cached.
	gen   uint64
	hooks []func()
}

func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry store is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{store: opts.Store, ttl: opts.TTL, now: opts.Now, logger: opts.Logger}, nil
}

// OnChange registers fn to run after every successful mutation.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Snapshot returns the current registry contents.
func (r *Registry) Snapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	if r.cached != nil && r.now().Sub(r.cachedAt) < r.ttl {
		snap := r.cached
		r.mu.Unlock()
		return snap, nil
	}
	gen := r.gen
	r.mu.Unlock()

	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.gen == gen {
		r.cached = snap
		r.cachedAt = r.now()
	}
	r.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.gen++
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context) (*Snapshot, error) {
	rows, err := r.store.ListPrincipals(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	snap := &Snapshot{members: make(map[string]types.Principal, len(rows))}
	for _, p := range rows {
		id := Normalize(p.Identity)
		switch p.Tier {
		case types.TierOwner, types.TierFamily, types.TierFriend:
		default:
			r.logger.Warn("registry: skipping principal with invalid tier", "identity", id, "tier", p.Tier)
			continue
		}
		if _, dup := snap.members[id]; dup {
			r.logger.Warn("registry: skipping duplicate principal", "identity", id)
			continue
		}
		p.Identity = id
		if p.Tier == types.TierOwner {
			if snap.owner != nil {
				r.logger.Warn("registry: ignoring extra owner", "identity", id)
				continue
			}
			owner := p
			snap.owner = &owner
		}
		snap.members[id] = p
	}
	return snap, nil
}

// SetOwner registers the owner. It fails if an owner already exists.
func (r *Registry) SetOwner(ctx context.Context, identity, displayName string) error {
	id := Normalize(identity)
	if id == "" {
		return ErrInvalidIdentity
	}
	snap, err := r.load(ctx)
	if err != nil {
		return err
	}
	if snap.owner != nil {
		return ErrOwnerExists
	}
	if _, ok := snap.members[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	return r.write(func() error {
		return r.store.InsertPrincipal(ctx, types.Principal{
			Identity:    id,
			DisplayName: displayName,
			Tier:        types.TierOwner,
			AddedAt:     r.now().UTC(),
		})
	})
}

// Add registers a family member or friend.
func (r *Registry) Add(ctx context.Context, tier types.Tier, identity, displayName, addedBy string) (types.Principal, error) {
	if tier != types.TierFamily && tier != types.TierFriend {
		return types.Principal{}, ErrInvalidTier
	}
	id := Normalize(identity)
	if id == "" {
		return types.Principal{}, ErrInvalidIdentity
	}
	snap, err := r.load(ctx)
	if err != nil {
		return types.Principal{}, err
	}
	if existing, ok := snap.members[id]; ok {
		return types.Principal{}, fmt.Errorf("%w: %s is %s", ErrAlreadyRegistered, id, existing.Tier)
	}
	p := types.Principal{
		Identity:    id,
		DisplayName: displayName,
		Tier:        tier,
		AddedAt:     r.now().UTC(),
		AddedBy:     strings.TrimSpace(addedBy),
	}
	if err := r.write(func() error { return r.store.InsertPrincipal(ctx, p) }); err != nil {
		return types.Principal{}, err
	}
	return p, nil
}

// Remove deletes a family member or friend. The owner cannot be removed.
func (r *Registry) Remove(ctx context.Context, identity string) (types.Principal, error) {
	id := Normalize(identity)
	snap, err := r.load(ctx)
	if err != nil {
		return types.Principal{}, err
	}
	p, ok := snap.members[id]
	if !ok {
		return types.Principal{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Tier == types.TierOwner {
		return types.Principal{}, ErrOwnerImmutable
	}
	err = r.write(func() error {
		if err := r.store.DeletePrincipal(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		return nil
	})
	return p, err
}

// write runs fn, invalidates the cache regardless of outcome, and fires
// change hooks on success.
func (r *Registry) write(fn func() error) error {
	err := fn()
	r.Invalidate()
	if err != nil {
		return err
	}
	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	owner   *types.Principal
	members map[string]types.Principal
}

// Owner returns the owner, if one is registered.
func (s *Snapshot) Owner() (types.Principal, bool) {
	if s == nil || s.owner == nil {
		return types.Principal{}, false
	}
	return *s.owner, true
}

// Lookup returns the principal for a normalized identity.
func (s *Snapshot) Lookup(identity string) (types.Principal, bool) {
	if s == nil {
		return types.Principal{}, false
	}
	p, ok := s.members[Normalize(identity)]
	return p, ok
}

// Tier classifies an identity; unknown identities are strangers.
func (s *Snapshot) Tier(identity string) types.Tier {
	p, ok := s.Lookup(identity)
	if !ok {
		return types.TierStranger
	}
	return p.Tier
}

// List returns all principals, owner first, then by tier and identity.
func (s *Snapshot) List() []types.Principal {
	if s == nil {
		return nil
	}
	out := make([]types.Principal, 0, len(s.members))
	for _, p := range s.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier.Restrictiveness() < out[j].Tier.Restrictiveness()
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}
