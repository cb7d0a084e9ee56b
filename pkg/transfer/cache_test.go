package transfer

import (
	"fmt"
	"testing"
)

func TestChunkCachePutGet(t *testing.T) {
	cache, err := NewChunkCache(10)
	if err != nil {
		t.Fatalf("NewChunkCache: %v", err)
	}

	cache.Put("file-1", 0, []byte("chunk zero"))
	cache.Put("file-1", 1, []byte("chunk one"))
	cache.Put("file-2", 0, []byte("other file"))

	if cache.Len() != 3 {
		t.Errorf("Len = %d, want 3", cache.Len())
	}

	data, ok := cache.Get("file-1", 1)
	if !ok || string(data) != "chunk one" {
		t.Errorf("Get(file-1, 1) = %q, %v", data, ok)
	}
	if _, ok := cache.Get("file-1", 2); ok {
		t.Error("expected a miss for an uncached index")
	}
	if _, ok := cache.Get("file-3", 0); ok {
		t.Error("expected a miss for an uncached file")
	}
}

func TestChunkCacheEvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 4
	cache, err := NewChunkCache(capacity)
	if err != nil {
		t.Fatalf("NewChunkCache: %v", err)
	}

	for i := uint32(0); i < capacity; i++ {
		cache.Put("file-1", i, []byte(fmt.Sprintf("chunk %d", i)))
	}
	if cache.Len() != capacity {
		t.Fatalf("Len = %d, want %d", cache.Len(), capacity)
	}

	// Touch chunk 0 so chunk 1 becomes the eviction candidate.
	if _, ok := cache.Get("file-1", 0); !ok {
		t.Fatal("expected chunk 0 to be cached")
	}

	cache.Put("file-1", capacity, []byte("overflow"))
	if cache.Len() != capacity {
		t.Errorf("Len = %d after overflow, want %d", cache.Len(), capacity)
	}
	if _, ok := cache.Get("file-1", 1); ok {
		t.Error("expected least-recently-used chunk 1 to be evicted")
	}
	if _, ok := cache.Get("file-1", 0); !ok {
		t.Error("recently used chunk 0 should have survived eviction")
	}
}
