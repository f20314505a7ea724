package config

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultOrgCacheTTL and DefaultOrgCacheSize match §5/§9: "TTL 1 hour,
	// max 100 orgs, LRU".
	DefaultOrgCacheTTL  = time.Hour
	DefaultOrgCacheSize = 100

	invalidationChannel = "reflexio:org-config:invalidate"
)

type cacheEntry struct {
	orgID     string
	config    *OrgConfig
	expiresAt time.Time
}

// OrgCache is a thread-safe, size-bounded LRU cache of per-org
// configuration with TTL eviction (§5, §9). When backed by Redis it
// publishes an invalidation message on every Put, and each instance's
// subscription goroutine drops its local copy when the message arrives.
// Put returns once Redis has accepted the publish; it does not wait for
// peers to evict, so a peer can still serve its old copy until the
// message is delivered. The writer's own subscription also receives the
// message and drops the entry that Put just stored.
type OrgCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxSize  int
	entries  map[string]*list.Element // orgID -> element
	order    *list.List               // front = most recently used
	redis    *redis.Client
	logger   logrus.FieldLogger
	cancelSub context.CancelFunc
}

func NewOrgCache(ttl time.Duration, maxSize int, redisClient *redis.Client, logger logrus.FieldLogger) *OrgCache {
	if ttl <= 0 {
		ttl = DefaultOrgCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultOrgCacheSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &OrgCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		redis:   redisClient,
		logger:  logger,
	}
	if redisClient != nil {
		c.subscribeInvalidations()
	}
	return c
}

func (c *OrgCache) subscribeInvalidations() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelSub = cancel
	sub := c.redis.Subscribe(ctx, invalidationChannel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.evictLocal(msg.Payload)
			}
		}
	}()
}

// Close stops the Redis subscription, if any.
func (c *OrgCache) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
	}
}

// Get returns the cached config for orgID, or nil if absent or expired.
func (c *OrgCache) Get(orgID string) *OrgConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[orgID]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(el)
		return nil
	}
	c.order.MoveToFront(el)
	return entry.config
}

// Put inserts or refreshes orgID's cached config, evicting the least
// recently used entry if the cache is full, then synchronously publishes
// an invalidation so peer instances drop their stale copy.
func (c *OrgCache) Put(ctx context.Context, orgID string, cfg *OrgConfig) error {
	c.mu.Lock()
	if el, ok := c.entries[orgID]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).config = cfg
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
	} else {
		entry := &cacheEntry{orgID: orgID, config: cfg, expiresAt: time.Now().Add(c.ttl)}
		el := c.order.PushFront(entry)
		c.entries[orgID] = el
		if c.order.Len() > c.maxSize {
			c.evictOldestLocked()
		}
	}
	c.mu.Unlock()

	if c.redis == nil {
		return nil
	}
	if err := c.redis.Publish(ctx, invalidationChannel, orgID).Err(); err != nil {
		c.logger.WithError(err).WithField("org_id", orgID).Warn("failed to publish org cache invalidation")
		return err
	}
	return nil
}

// Invalidate synchronously removes orgID and notifies peers.
func (c *OrgCache) Invalidate(ctx context.Context, orgID string) error {
	c.evictLocal(orgID)
	if c.redis == nil {
		return nil
	}
	return c.redis.Publish(ctx, invalidationChannel, orgID).Err()
}

func (c *OrgCache) evictLocal(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[orgID]; ok {
		c.removeLocked(el)
	}
}

func (c *OrgCache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest != nil {
		c.removeLocked(oldest)
	}
}

func (c *OrgCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(c.entries, entry.orgID)
	c.order.Remove(el)
}

// Len reports the current number of cached orgs (test/introspection helper).
func (c *OrgCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
