package encoder

import (
	"sort"
	"sync"
)

// Key identifies a cached signature.
type Key struct {
	NodeID int64
	Hops   int
}

// Cache holds structural signatures keyed by (node, hops) together with a
// reverse index from every neighbourhood member to the keys whose signature
// it appears in. It is derived state and can be discarded at any time.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*Signature
	members map[int64]map[Key]struct{}
	gen     uint64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[Key]*Signature),
		members: make(map[int64]map[Key]struct{}),
	}
}

// Get returns the cached signature for k.
func (c *Cache) Get(k Key) (*Signature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sig, ok := c.entries[k]
	return sig, ok
}

// generation changes every time an entry is invalidated.
func (c *Cache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// putIf stores sig unless an invalidation happened since gen was read, in
// which case sig may already be stale and is dropped.
func (c *Cache) putIf(sig *Signature, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.put(sig)
	return true
}

// Put stores sig, replacing any previous entry for its key.
func (c *Cache) Put(sig *Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(sig)
}

func (c *Cache) put(sig *Signature) {
	k := Key{NodeID: sig.CenterNodeID, Hops: sig.Hops}
	c.remove(k)
	c.entries[k] = sig
	for _, ref := range sig.Neighborhood {
		set, ok := c.members[ref.ID]
		if !ok {
			set = make(map[Key]struct{})
			c.members[ref.ID] = set
		}
		set[k] = struct{}{}
	}
}

func (c *Cache) remove(k Key) bool {
	sig, ok := c.entries[k]
	if !ok {
		return false
	}
	delete(c.entries, k)
	for _, ref := range sig.Neighborhood {
		if set, ok := c.members[ref.ID]; ok {
			delete(set, k)
			if len(set) == 0 {
				delete(c.members, ref.ID)
			}
		}
	}
	return true
}

// Invalidate drops every signature whose neighbourhood contains any of the
// given nodes and returns how many were dropped.
func (c *Cache) Invalidate(nodeIDs ...int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	var keys []Key
	for _, id := range nodeIDs {
		for k := range c.members[id] {
			keys = append(keys, k)
		}
	}
	n := 0
	for _, k := range keys {
		if c.remove(k) {
			n++
		}
	}
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[Key]*Signature)
	c.members = make(map[int64]map[Key]struct{})
}

// Len returns the number of cached signatures.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns the cached signatures computed with hops, ordered by
// center node id.
func (c *Cache) Snapshot(hops int) []*Signature {
	c.mu.RLock()
	out := make([]*Signature, 0, len(c.entries))
	for k, sig := range c.entries {
		if k.Hops == hops {
			out = append(out, sig)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CenterNodeID < out[j].CenterNodeID })
	return out
}
