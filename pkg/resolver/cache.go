package resolver

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a read-mostly TTL cache of resolutions. Agent configuration
// changes infrequently relative to call volume, so reads go through an
// atomically replaced snapshot map; writers copy-and-swap under a mutex.
type Cache struct {
	ttl      time.Duration
	snapshot atomic.Value // map[string]entry
	writeMu  sync.Mutex
	now      func() time.Time
}

type entry struct {
	res     Resolution
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &Cache{ttl: ttl, now: time.Now}
	c.snapshot.Store(map[string]entry{})
	return c
}

func (c *Cache) Get(agentID string) (Resolution, bool) {
	snap := c.snapshot.Load().(map[string]entry)
	e, ok := snap[agentID]
	if !ok || c.now().After(e.expires) {
		return Resolution{}, false
	}
	return e.res, true
}

func (c *Cache) Put(agentID string, res Resolution) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	old := c.snapshot.Load().(map[string]entry)
	next := make(map[string]entry, len(old)+1)
	now := c.now()
	for k, v := range old {
		if now.After(v.expires) {
			continue
		}
		next[k] = v
	}
	next[agentID] = entry{res: res, expires: now.Add(c.ttl)}
	c.snapshot.Store(next)
}

// Invalidate drops one agent from the snapshot, e.g. after a republish.
func (c *Cache) Invalidate(agentID string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	old := c.snapshot.Load().(map[string]entry)
	if _, ok := old[agentID]; !ok {
		return
	}
	next := make(map[string]entry, len(old))
	for k, v := range old {
		if k == agentID {
			continue
		}
		next[k] = v
	}
	c.snapshot.Store(next)
}
