package dnscache

import (
	"sync"
	"time"
)

// AliasMap records alias -> canonical CNAME mappings. TTL 5 minutes;
// resolution is one-hop only.
type AliasMap struct {
	ttl    time.Duration
	shards [shardCount]*aliasShard
}

type aliasShard struct {
	mtx     sync.RWMutex
	entries map[string]aliasEntry
}

type aliasEntry struct {
	canonical string
	expires   time.Time
}

func NewAliasMap(ttl time.Duration) *AliasMap {
	m := &AliasMap{ttl: ttl}
	for i := range m.shards {
		m.shards[i] = &aliasShard{entries: make(map[string]aliasEntry)}
	}
	return m
}

func (m *AliasMap) shard(alias string) *aliasShard {
	return m.shards[shardFor(alias)]
}

func (m *AliasMap) Set(alias, canonical string, now time.Time) {
	if alias == canonical {
		return
	}
	s := m.shard(alias)
	s.mtx.Lock()
	s.entries[alias] = aliasEntry{canonical: canonical, expires: now.Add(m.ttl)}
	s.mtx.Unlock()
}

// Resolve applies at most one hop of alias resolution to name, returning
// name itself if there is no (unexpired) alias entry for it.
func (m *AliasMap) Resolve(name string, now time.Time) string {
	s := m.shard(name)
	s.mtx.RLock()
	e, ok := s.entries[name]
	s.mtx.RUnlock()
	if !ok {
		return name
	}
	if now.After(e.expires) {
		s.mtx.Lock()
		delete(s.entries, name)
		s.mtx.Unlock()
		return name
	}
	return e.canonical
}

func (m *AliasMap) GC(now time.Time) {
	for _, s := range m.shards {
		s.mtx.Lock()
		for k, e := range s.entries {
			if now.After(e.expires) {
				delete(s.entries, k)
			}
		}
		s.mtx.Unlock()
	}
}
