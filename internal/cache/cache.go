// Package cache is a read-through cache over the tracked entity
// collections. Lookups hit memory, then the durable store, then the remote
// server; broadcasts and restores invalidate it.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chefia/possync/internal/store"
)

// Fetcher loads an entity from the remote server on a full miss. Optional.
type Fetcher interface {
	FetchEntity(ctx context.Context, entityType, id string) (json.RawMessage, error)
}

// Cache fronts entity collections with an in-memory layer.
type Cache struct {
	store store.DurableStore
	fetch Fetcher

	mu      sync.RWMutex
	entries map[string]json.RawMessage
	online  func() bool
}

// New creates a cache. fetch may be nil; online gates remote fetches and
// may be nil to disable them.
func New(s store.DurableStore, fetch Fetcher, online func() bool) *Cache {
	return &Cache{
		store:   s,
		fetch:   fetch,
		entries: make(map[string]json.RawMessage),
		online:  online,
	}
}

func entityCollection(entityType string) string {
	if entityType == "" {
		return entityType
	}
	if entityType[len(entityType)-1] == 's' {
		return entityType
	}
	return entityType + "s"
}

func key(entityType, id string) string { return entityType + "/" + id }

// Get returns an entity by type and id, or nil when it exists nowhere.
func (c *Cache) Get(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	c.mu.RLock()
	if v, ok := c.entries[key(entityType, id)]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	data, err := c.store.Get(ctx, entityCollection(entityType), id)
	if err != nil {
		return nil, err
	}
	if data != nil {
		c.remember(entityType, id, data)
		return data, nil
	}

	if c.fetch == nil || c.online == nil || !c.online() {
		return nil, nil
	}
	remoteData, err := c.fetch.FetchEntity(ctx, entityType, id)
	if err != nil {
		slog.Debug("cache: remote fetch failed", "entity", entityType, "id", id, "err", err)
		return nil, nil
	}
	if remoteData == nil {
		return nil, nil
	}
	if err := c.store.Put(ctx, entityCollection(entityType), id, remoteData); err != nil {
		return nil, err
	}
	c.remember(entityType, id, remoteData)
	return remoteData, nil
}

// Put writes an entity through to the durable store and refreshes the
// in-memory copy.
func (c *Cache) Put(ctx context.Context, entityType, id string, data json.RawMessage) error {
	if err := c.store.Put(ctx, entityCollection(entityType), id, data); err != nil {
		return err
	}
	c.remember(entityType, id, data)
	return nil
}

// Delete removes an entity from both layers.
func (c *Cache) Delete(ctx context.Context, entityType, id string) error {
	if err := c.store.Delete(ctx, entityCollection(entityType), id); err != nil {
		return err
	}
	c.Invalidate(entityType, id)
	return nil
}

// Invalidate drops the in-memory copy of one entity. The durable copy, if
// any, is untouched.
func (c *Cache) Invalidate(entityType, id string) {
	c.mu.Lock()
	delete(c.entries, key(entityType, id))
	c.mu.Unlock()
}

// InvalidateAll drops every in-memory entry. Used after a restore replaces
// the underlying collections wholesale.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]json.RawMessage)
	c.mu.Unlock()
}

func (c *Cache) remember(entityType, id string, data json.RawMessage) {
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.entries[key(entityType, id)] = cp
	c.mu.Unlock()
}
