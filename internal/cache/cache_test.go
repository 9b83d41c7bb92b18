package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(t *testing.T, maxBytes int64) *Cache {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := New(maxBytes, log)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestCacheHitAndMiss(t *testing.T) {
	c := newTestCache(t, 1024)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put("k", []byte("audio"))
	audio, ok := c.Get("k")
	if !ok || string(audio) != "audio" {
		t.Fatalf("expected hit with original bytes, got ok=%v audio=%q", ok, audio)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.Bytes != 5 {
		t.Fatalf("expected 5 accounted bytes, got %d", stats.Bytes)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 10)

	c.Put("a", []byte("aaaa")) // 4 bytes
	c.Put("b", []byte("bbbb")) // 8 total
	c.Put("c", []byte("cccc")) // 12 total, "a" must go

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to survive")
	}
	if stats := c.Stats(); stats.Bytes != 8 {
		t.Fatalf("expected 8 bytes after eviction, got %d", stats.Bytes)
	}
}

func TestCacheHitRefreshesRecency(t *testing.T) {
	c := newTestCache(t, 10)

	c.Put("a", []byte("aaaa"))
	c.Put("b", []byte("bbbb"))
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a present")
	}
	c.Put("c", []byte("cccc")) // over budget; "b" is now oldest

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b evicted after a was touched")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected recently used a to survive")
	}
}

func TestCacheRejectsOversizedPayload(t *testing.T) {
	c := newTestCache(t, 4)

	c.Put("big", []byte("too large"))
	if _, ok := c.Get("big"); ok {
		t.Fatal("payload over the whole budget must not be cached")
	}
	if stats := c.Stats(); stats.Bytes != 0 {
		t.Fatalf("expected no accounted bytes, got %d", stats.Bytes)
	}
}

func TestCacheReplaceAccountsBytes(t *testing.T) {
	c := newTestCache(t, 100)

	c.Put("k", []byte("aaaa"))
	c.Put("k", []byte("bb"))
	if stats := c.Stats(); stats.Bytes != 2 || stats.Entries != 1 {
		t.Fatalf("replacement broke accounting: %+v", stats)
	}
}

func TestCacheCoalescesConcurrentFills(t *testing.T) {
	c := newTestCache(t, 1024)

	var fills atomic.Int32
	gate := make(chan struct{})
	fill := func(_ context.Context) ([]byte, error) {
		fills.Add(1)
		<-gate
		return []byte("result"), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			audio, _, err := c.GetOrFill(context.Background(), "k", fill)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = audio
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := fills.Load(); got != 1 {
		t.Fatalf("expected exactly 1 fill, got %d", got)
	}
	for i, audio := range results {
		if string(audio) != "result" {
			t.Fatalf("worker %d got %q", i, audio)
		}
	}
	if audio, ok := c.Get("k"); !ok || string(audio) != "result" {
		t.Fatalf("fill result not cached: ok=%v audio=%q", ok, audio)
	}
}

func TestCacheFillErrorNotCached(t *testing.T) {
	c := newTestCache(t, 1024)

	wantErr := errors.New("engine down")
	_, _, err := c.GetOrFill(context.Background(), "k", func(_ context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fill error surfaced, got %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("failed fill must not leave an entry")
	}

	// A later fill succeeds and is cached.
	audio, hit, err := c.GetOrFill(context.Background(), "k", func(_ context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || hit || string(audio) != "ok" {
		t.Fatalf("retry after failure broken: audio=%q hit=%v err=%v", audio, hit, err)
	}
}

func TestCacheGetOrFillHonorsContext(t *testing.T) {
	c := newTestCache(t, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	gate := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFill(ctx, "k", func(_ context.Context) ([]byte, error) {
			<-gate
			return []byte("late"), nil
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(gate)
}

func TestCacheFillSurvivesWinnerCancel(t *testing.T) {
	c := newTestCache(t, 1024)
	gate := make(chan struct{})

	ctxA, cancelA := context.WithCancel(context.Background())
	winnerErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFill(ctxA, "k", func(fctx context.Context) ([]byte, error) {
			<-gate
			// The winner's cancellation must not reach the shared fill.
			if fctx.Err() != nil {
				return nil, fctx.Err()
			}
			return []byte("shared"), nil
		})
		winnerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		audio []byte
		err   error
	}
	waiter := make(chan result, 1)
	go func() {
		audio, _, err := c.GetOrFill(context.Background(), "k", func(_ context.Context) ([]byte, error) {
			return nil, errors.New("waiter must join the in-flight fill, not start its own")
		})
		waiter <- result{audio, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-winnerErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the winner to stop waiting, got %v", err)
	}

	close(gate)
	got := <-waiter
	if got.err != nil {
		t.Fatalf("waiter failed after winner disconnect: %v", got.err)
	}
	if string(got.audio) != "shared" {
		t.Fatalf("waiter got %q", got.audio)
	}
	if audio, ok := c.Get("k"); !ok || string(audio) != "shared" {
		t.Fatalf("detached fill result not cached: ok=%v audio=%q", ok, audio)
	}
}

func TestCacheEmptyEntryIsMiss(t *testing.T) {
	c := newTestCache(t, 1024)

	c.Put("k", nil)
	if _, ok := c.Get("k"); ok {
		t.Fatal("empty payload must read as a miss")
	}

	var fills int
	audio, hit, err := c.GetOrFill(context.Background(), "k", func(_ context.Context) ([]byte, error) {
		fills++
		return []byte(fmt.Sprintf("fill-%d", fills)), nil
	})
	if err != nil || hit {
		t.Fatalf("expected a computed fill, hit=%v err=%v", hit, err)
	}
	if string(audio) != "fill-1" {
		t.Fatalf("unexpected audio: %q", audio)
	}
}
