// Package dnscache implements the collector's three shared, concurrently
// accessed DNS caches: a passive ip->hostname cache, a query-id tracker
// correlating queries to answers, and a one-hop CNAME alias map. The
// passive cache and the alias map are sharded into buckets with their own
// mutex so hot DNS bursts on the data and DNS reader goroutines don't
// serialize on one global lock. The tracker is not sharded: it is a single
// map behind one mutex.
package dnscache

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % shardCount
}

// PassiveCache maps ip -> (hostname, expiry). TTL 5 minutes.
type PassiveCache struct {
	ttl    time.Duration
	shards [shardCount]*passiveShard
}

type passiveShard struct {
	mtx     sync.RWMutex
	entries map[string]passiveEntry
}

type passiveEntry struct {
	hostname string
	expires  time.Time
}

func NewPassiveCache(ttl time.Duration) *PassiveCache {
	c := &PassiveCache{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &passiveShard{entries: make(map[string]passiveEntry)}
	}
	return c
}

func (c *PassiveCache) shard(ip string) *passiveShard {
	return c.shards[shardFor(ip)]
}

func (c *PassiveCache) Set(ip, hostname string, now time.Time) {
	s := c.shard(ip)
	s.mtx.Lock()
	s.entries[ip] = passiveEntry{hostname: hostname, expires: now.Add(c.ttl)}
	s.mtx.Unlock()
}

// Get returns the cached hostname for ip, evicting it lazily if expired.
func (c *PassiveCache) Get(ip string, now time.Time) (string, bool) {
	s := c.shard(ip)
	s.mtx.RLock()
	e, ok := s.entries[ip]
	s.mtx.RUnlock()
	if !ok {
		return "", false
	}
	if now.After(e.expires) {
		s.mtx.Lock()
		delete(s.entries, ip)
		s.mtx.Unlock()
		return "", false
	}
	return e.hostname, true
}

// GC drops every expired entry; called every 30s by the collector.
func (c *PassiveCache) GC(now time.Time) {
	for _, s := range c.shards {
		s.mtx.Lock()
		for k, e := range s.entries {
			if now.After(e.expires) {
				delete(s.entries, k)
			}
		}
		s.mtx.Unlock()
	}
}
