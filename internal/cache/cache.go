// Package cache holds finished synthesis results keyed by the normalized
// request, bounded by total byte size with least-recently-used eviction.
// Concurrent misses for the same key are coalesced into one computation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"maxBytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is a byte-bounded LRU over complete audio payloads. The underlying
// list tracks recency; byte accounting and eviction to fit are layered on top
// because entries vary widely in size.
type Cache struct {
	mu        sync.Mutex
	entries   *lru.LRU[string, []byte]
	bytes     int64
	maxBytes  int64
	hits      int64
	misses    int64
	evictions int64

	group singleflight.Group
	log   *slog.Logger
}

func New(maxBytes int64, log *slog.Logger) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache max bytes must be positive, got %d", maxBytes)
	}
	c := &Cache{
		maxBytes: maxBytes,
		log:      log.With(slog.String("component", "cache")),
	}
	// Capacity here is a list bound, not the real limit; eviction is driven
	// by bytes. The callback keeps the byte count honest for every removal
	// path, including Purge.
	entries, err := lru.NewLRU(1<<20, func(_ string, audio []byte) {
		c.bytes -= int64(len(audio))
		c.evictions++
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Get returns the cached audio for key and refreshes its recency.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	audio, ok := c.entries.Get(key)
	if !ok || len(audio) == 0 {
		// A zero-length entry is treated as a miss; drop it so it cannot
		// shadow a future successful synthesis.
		if ok {
			c.entries.Remove(key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return audio, true
}

// Put stores audio under key, evicting least-recently-used entries until the
// byte budget holds. Payloads larger than the whole budget are not cached.
func (c *Cache) Put(key string, audio []byte) {
	if len(audio) == 0 || int64(len(audio)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries.Peek(key); ok {
		c.entries.Remove(key)
		c.evictions-- // replacement, not pressure
	}
	c.bytes += int64(len(audio))
	c.entries.Add(key, audio)
	for c.bytes > c.maxBytes {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
}

// GetOrFill returns the cached audio for key, or runs fill exactly once for
// all concurrent callers of the same key and caches the result. The fill runs
// on a context detached from the caller's: the winner disconnecting ends its
// own wait, never the shared computation, so the other waiters still get the
// result. The engine's own timeouts and bounded retries limit how long a
// detached fill can run.
func (c *Cache) GetOrFill(ctx context.Context, key string, fill func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if audio, ok := c.Get(key); ok {
		return audio, true, nil
	}

	fillCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		audio, err := fill(fillCtx)
		if err != nil {
			return nil, err
		}
		c.Put(key, audio)
		return audio, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), false, nil
	}
}

// Invalidate drops a single entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.entries.Len(),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
