package btc

import (
	"sync"
	"time"
)

const (
	// MaxCacheAge is how long a block's transaction ids are served from
	// cache before the providers are asked again
	MaxCacheAge = 5 * time.Minute
)

type blockKey struct {
	network string
	height  int64
}

// BlockEntry holds the cached transaction ids of one block
type BlockEntry struct {
	TxIDs       []string
	LastUpdated time.Time
}

// BlockCache caches block transaction id lists per network and height
type BlockCache struct {
	blocks map[blockKey]*BlockEntry
	mu     sync.RWMutex
	now    func() time.Time
}

// NewBlockCache creates an empty cache
func NewBlockCache() *BlockCache {
	return &BlockCache{
		blocks: make(map[blockKey]*BlockEntry),
		now:    time.Now,
	}
}

// Get returns the cached ids if present and younger than MaxCacheAge
func (c *BlockCache) Get(network string, height int64) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.blocks[blockKey{network, height}]
	if !exists {
		return nil, false
	}
	if c.now().Sub(entry.LastUpdated) > MaxCacheAge {
		return nil, false
	}
	return entry.TxIDs, true
}

// Set stores ids for a block. Empty lists are not cached, the height may
// simply not be mined yet.
func (c *BlockCache) Set(network string, height int64, txids []string) {
	if len(txids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocks[blockKey{network, height}] = &BlockEntry{
		TxIDs:       txids,
		LastUpdated: c.now(),
	}
}

// Clear drops every entry
func (c *BlockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = make(map[blockKey]*BlockEntry)
}

// Len returns the number of cached blocks
func (c *BlockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}
