package stranger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

// DefaultTTL is how long a stranger decision stays valid for an unchanged
// participant set.
const DefaultTTL = 5 * time.Minute

// Store persists cache entries across restarts. It is optional.
type Store interface {
	GetStrangerEntry(ctx context.Context, groupID string) (types.StrangerEntry, error)
	PutStrangerEntry(ctx context.Context, e types.StrangerEntry) error
	ClearStrangerEntries(ctx context.Context, groupID string) error
}

type CacheOptions struct {
	TTL    time.Duration
	Now    func() time.Time
	Store  Store
	Logger *slog.Logger
}

// Cache holds per-group stranger decisions with a bounded lifetime.
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]types.StrangerEntry
}

func NewCache(opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		ttl:     opts.TTL,
		now:     opts.Now,
		store:   opts.Store,
		logger:  opts.Logger,
		entries: make(map[string]types.StrangerEntry),
	}
}

// Get returns a live entry for groupID. Expired entries are never returned.
func (c *Cache) Get(ctx context.Context, groupID string) (types.StrangerEntry, bool) {
	c.mu.Lock()
	e, ok := c.entries[groupID]
	c.mu.Unlock()

	if !ok && c.store != nil {
		persisted, err := c.store.GetStrangerEntry(ctx, groupID)
		switch {
		case err == nil:
			e, ok = persisted, true
			c.mu.Lock()
			c.entries[groupID] = e
			c.mu.Unlock()
		case !errors.Is(err, store.ErrNotFound):
			c.logger.Warn("stranger cache: read failed", "group", groupID, "error", err)
		}
	}
	if !ok || c.expired(e) {
		return types.StrangerEntry{}, false
	}
	return e, true
}

func (c *Cache) expired(e types.StrangerEntry) bool {
	return c.now().Sub(e.LastChecked) >= c.ttl
}

// Put stores an entry, stamping LastChecked when it is zero.
func (c *Cache) Put(ctx context.Context, e types.StrangerEntry) types.StrangerEntry {
	if e.LastChecked.IsZero() {
		e.LastChecked = c.now().UTC()
	}
	c.mu.Lock()
	c.entries[e.GroupID] = e
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.PutStrangerEntry(ctx, e); err != nil {
			c.logger.Warn("stranger cache: write failed", "group", e.GroupID, "error", err)
		}
	}
	return e
}

// Invalidate drops the entry of one group.
func (c *Cache) Invalidate(ctx context.Context, groupID string) {
	c.mu.Lock()
	delete(c.entries, groupID)
	c.mu.Unlock()
	c.clearStore(ctx, groupID)
}

// InvalidateAll drops every entry, e.g. after a registry change.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]types.StrangerEntry)
	c.mu.Unlock()
	c.clearStore(ctx, "")
}

func (c *Cache) clearStore(ctx context.Context, groupID string) {
	if c.store == nil {
		return
	}
	if err := c.store.ClearStrangerEntries(ctx, groupID); err != nil {
		c.logger.Warn("stranger cache: clear failed", "group", groupID, "error", err)
	}
}
