// Package cache provides typed, namespaced caches over the persistent
// store. Each cache owns a disjoint key prefix, serializes records as JSON
// at this single boundary, applies a TTL, and keeps an in-process LRU
// index to cap the number of live entries per namespace.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
)

// Namespace prefixes. These must never overlap each other or the job
// queue's "jobs:" prefix.
const (
	NamespaceInstance = "cache:instance:"
	NamespaceProduct  = "cache:product:"
	NamespaceTemplate = "cache:template:"
)

// Default snapshot TTLs
const (
	DefaultProductTTL  = 300 * time.Second
	DefaultTemplateTTL = 1800 * time.Second
)

// namespaceCache is the shared machinery behind the typed caches
type namespaceCache struct {
	store      storage.Store
	prefix     string
	ttl        time.Duration // 0 means no expiry
	maxEntries int           // 0 means unbounded
	logger     zerolog.Logger

	mu       sync.Mutex
	lastUsed map[string]time.Time // id -> last access, drives LRU eviction
}

func newNamespaceCache(store storage.Store, prefix string, ttl time.Duration, maxEntries int) *namespaceCache {
	return &namespaceCache{
		store:      store,
		prefix:     prefix,
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     log.WithComponent("cache"),
		lastUsed:   make(map[string]time.Time),
	}
}

func (c *namespaceCache) key(id string) string {
	return c.prefix + id
}

func (c *namespaceCache) get(ctx context.Context, id string, out interface{}) error {
	raw, err := c.store.Get(ctx, c.key(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errdefs.NotFoundf("cache entry %s%s", c.prefix, id)
		}
		if errors.Is(err, storage.ErrWrongType) {
			c.logger.Warn().Str("key", c.key(id)).Msg("skipping key with unexpected type")
			return errdefs.NotFoundf("cache entry %s%s", c.prefix, id)
		}
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("corrupt cache entry %s: %w", c.key(id), err)
	}
	c.touch(id)
	return nil
}

func (c *namespaceCache) set(ctx context.Context, id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, c.key(id), string(data), c.ttl); err != nil {
		return err
	}
	c.touch(id)
	c.evictIfNeeded(ctx)
	return nil
}

func (c *namespaceCache) delete(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.lastUsed, id)
	c.mu.Unlock()
	return c.store.Delete(ctx, c.key(id))
}

// ids lists entry IDs in this namespace. The scan may return extraneous
// keys, so results are filtered against the prefix and keys of a foreign
// type are skipped with a warning rather than failing the walk.
func (c *namespaceCache) ids(ctx context.Context) ([]string, error) {
	keys, err := c.store.Scan(ctx, c.prefix)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		if !strings.HasPrefix(key, c.prefix) {
			continue
		}
		typ, err := c.store.Type(ctx, key)
		if err != nil {
			return nil, err
		}
		if typ != "string" {
			c.logger.Warn().Str("key", key).Str("type", typ).
				Msg("skipping key with unexpected type in cache namespace")
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, c.prefix))
	}
	return ids, nil
}

func (c *namespaceCache) touch(id string) {
	c.mu.Lock()
	c.lastUsed[id] = time.Now()
	c.mu.Unlock()
}

// evictIfNeeded drops least-recently-used entries above the cap. The LRU
// index is process-local; entries written by an earlier process age out
// via TTL instead.
func (c *namespaceCache) evictIfNeeded(ctx context.Context) {
	if c.maxEntries <= 0 {
		return
	}

	c.mu.Lock()
	excess := len(c.lastUsed) - c.maxEntries
	var victims []string
	for i := 0; i < excess; i++ {
		oldest := ""
		var oldestAt time.Time
		for id, at := range c.lastUsed {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = id, at
			}
		}
		if oldest == "" {
			break
		}
		delete(c.lastUsed, oldest)
		victims = append(victims, oldest)
	}
	c.mu.Unlock()

	for _, id := range victims {
		if err := c.store.Delete(ctx, c.key(id)); err != nil {
			c.logger.Warn().Err(err).Str("id", id).Msg("failed to evict cache entry")
		}
	}
}

// InstanceCache holds the canonical instance records. Entries do not
// expire; removal is explicit (delete intent or obsolete handling).
type InstanceCache struct {
	ns *namespaceCache
}

// NewInstanceCache creates the instance record cache
func NewInstanceCache(store storage.Store) *InstanceCache {
	return &InstanceCache{ns: newNamespaceCache(store, NamespaceInstance, 0, 0)}
}

// Get returns the instance record or a not-found error
func (c *InstanceCache) Get(ctx context.Context, instanceID string) (*types.Instance, error) {
	var inst types.Instance
	if err := c.ns.get(ctx, instanceID, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Put writes the instance record
func (c *InstanceCache) Put(ctx context.Context, inst *types.Instance) error {
	return c.ns.set(ctx, inst.InstanceID, inst)
}

// Delete removes the instance record
func (c *InstanceCache) Delete(ctx context.Context, instanceID string) error {
	return c.ns.delete(ctx, instanceID)
}

// List returns all locally known instance records
func (c *InstanceCache) List(ctx context.Context) ([]*types.Instance, error) {
	ids, err := c.ns.ids(ctx)
	if err != nil {
		return nil, err
	}
	instances := make([]*types.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := c.Get(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue // removed between scan and read
			}
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// PutAll bulk-upserts instance records through the store pipeline
func (c *InstanceCache) PutAll(ctx context.Context, instances []*types.Instance) error {
	ops := make([]storage.Op, 0, len(instances))
	for _, inst := range instances {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to encode instance %s: %w", inst.InstanceID, err)
		}
		ops = append(ops, storage.Op{Kind: storage.OpSet, Key: c.ns.key(inst.InstanceID), Value: string(data)})
		c.ns.touch(inst.InstanceID)
	}
	results, err := c.ns.store.Pipeline(ctx, ops)
	if err != nil {
		return err
	}
	for i, res := range results {
		if res.Err != nil {
			return fmt.Errorf("failed to upsert instance %s: %w", instances[i].InstanceID, res.Err)
		}
	}
	return nil
}

// FindByName returns the first instance with the given name
func (c *InstanceCache) FindByName(ctx context.Context, name string) (*types.Instance, error) {
	instances, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			return inst, nil
		}
	}
	return nil, errdefs.NotFoundf("instance named %q", name)
}

// FindByUpstreamID returns the instance tracking the given upstream ID
func (c *InstanceCache) FindByUpstreamID(ctx context.Context, upstreamID string) (*types.Instance, error) {
	instances, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.UpstreamID == upstreamID {
			return inst, nil
		}
	}
	return nil, errdefs.NotFoundf("instance with upstream id %q", upstreamID)
}

// ProductCache holds short-lived product snapshots keyed by (name, region)
type ProductCache struct {
	ns *namespaceCache
}

// NewProductCache creates the product snapshot cache
func NewProductCache(store storage.Store) *ProductCache {
	return &ProductCache{ns: newNamespaceCache(store, NamespaceProduct, DefaultProductTTL, 256)}
}

func productID(name, region string) string {
	return name + ":" + region
}

// Get returns the cached product snapshot for (name, region)
func (c *ProductCache) Get(ctx context.Context, name, region string) (*types.Product, error) {
	var product types.Product
	if err := c.ns.get(ctx, productID(name, region), &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// Put caches a product snapshot under its (name, region) key
func (c *ProductCache) Put(ctx context.Context, product *types.Product) error {
	return c.ns.set(ctx, productID(product.Name, product.Region), product)
}

// TemplateCache holds template snapshots keyed by template ID
type TemplateCache struct {
	ns *namespaceCache
}

// NewTemplateCache creates the template snapshot cache
func NewTemplateCache(store storage.Store) *TemplateCache {
	return &TemplateCache{ns: newNamespaceCache(store, NamespaceTemplate, DefaultTemplateTTL, 256)}
}

// Get returns the cached template or a not-found error
func (c *TemplateCache) Get(ctx context.Context, templateID string) (*types.Template, error) {
	var tmpl types.Template
	if err := c.ns.get(ctx, templateID, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Put caches a template snapshot
func (c *TemplateCache) Put(ctx context.Context, tmpl *types.Template) error {
	return c.ns.set(ctx, tmpl.ID, tmpl)
}
