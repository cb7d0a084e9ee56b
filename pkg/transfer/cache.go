package transfer

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// chunkKey identifies one chunk of one file in the cache.
type chunkKey struct {
	FileID     string
	ChunkIndex uint32
}

// ChunkCache is a bounded, least-recently-used cache of chunk bytes used by
// upload serving (avoid re-reading from disk); downloads do not use it.
type ChunkCache struct {
	cache *lru.Cache[chunkKey, []byte]
}

// NewChunkCache builds a cache holding at most capacity chunks.
func NewChunkCache(capacity int) (*ChunkCache, error) {
	c, err := lru.New[chunkKey, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &ChunkCache{cache: c}, nil
}

// Get returns the cached bytes for (fileID, chunkIndex), if present.
func (c *ChunkCache) Get(fileID string, chunkIndex uint32) ([]byte, bool) {
	return c.cache.Get(chunkKey{FileID: fileID, ChunkIndex: chunkIndex})
}

// Put stores data for (fileID, chunkIndex), evicting the least-recently-used
// entry if the cache is at capacity.
func (c *ChunkCache) Put(fileID string, chunkIndex uint32, data []byte) {
	c.cache.Add(chunkKey{FileID: fileID, ChunkIndex: chunkIndex}, data)
}

// Len returns the number of entries currently cached.
func (c *ChunkCache) Len() int {
	return c.cache.Len()
}
