// Package voice maintains the catalog of engine voices: read-mostly reference
// data refreshed in the background and served as immutable snapshots.
package voice

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Descriptor describes one engine voice. Instances are never mutated after a
// snapshot is published.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Locale      string `json:"locale"`
	Gender      string `json:"gender"`
	Language    string `json:"language"`
	Neural      bool   `json:"neural"`
}

// Lister fetches the current voice inventory from the engine.
type Lister interface {
	ListVoices(ctx context.Context) ([]Descriptor, error)
}

type snapshot struct {
	voices    []Descriptor
	byID      map[string]struct{}
	fetchedAt time.Time
}

// Catalog serves voice lookups from an atomically swapped snapshot. Readers
// always observe a complete inventory; refresh never mutates a published
// snapshot in place.
type Catalog struct {
	lister          Lister
	refreshInterval time.Duration
	preferredLocale string
	log             *slog.Logger

	current atomic.Pointer[snapshot]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCatalog(lister Lister, refreshInterval time.Duration, preferredLocale string, log *slog.Logger) *Catalog {
	return &Catalog{
		lister:          lister,
		refreshInterval: refreshInterval,
		preferredLocale: preferredLocale,
		log:             log.With(slog.String("component", "voice-catalog")),
	}
}

// Start performs the initial load and launches the background refresh loop.
// A failed initial load is logged, not fatal: the service comes up degraded
// and the loop keeps retrying, with readiness gated on the first snapshot.
func (c *Catalog) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	if err := c.refresh(ctx); err != nil {
		c.log.Warn("initial voice load failed", slog.String("error", err.Error()))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.refresh(ctx); err != nil {
					c.log.Warn("voice refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (c *Catalog) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Catalog) refresh(ctx context.Context) error {
	voices, err := c.lister.ListVoices(ctx)
	if err != nil {
		return err
	}

	sorted := make([]Descriptor, len(voices))
	copy(sorted, voices)
	c.sortVoices(sorted)

	byID := make(map[string]struct{}, len(sorted))
	for _, v := range sorted {
		byID[v.ID] = struct{}{}
	}

	c.current.Store(&snapshot{voices: sorted, byID: byID, fetchedAt: time.Now()})
	c.log.Info("voice catalog refreshed", slog.Int("voices", len(sorted)))
	return nil
}

// sortVoices orders the preferred locale first, neural voices next, display
// name last.
func (c *Catalog) sortVoices(voices []Descriptor) {
	preferred := func(v Descriptor) bool {
		return c.preferredLocale != "" && strings.HasPrefix(v.Locale, c.preferredLocale)
	}
	sort.SliceStable(voices, func(i, j int) bool {
		a, b := voices[i], voices[j]
		if preferred(a) != preferred(b) {
			return preferred(a)
		}
		if a.Neural != b.Neural {
			return a.Neural
		}
		return a.DisplayName < b.DisplayName
	})
}

// Ready reports whether at least one snapshot has been published.
func (c *Catalog) Ready() bool {
	return c.current.Load() != nil
}

// List returns the current snapshot, optionally filtered by locale prefix.
// The returned slice is shared reference data and must not be mutated.
func (c *Catalog) List(localePrefix string) []Descriptor {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	if localePrefix == "" {
		return snap.voices
	}
	var filtered []Descriptor
	for _, v := range snap.voices {
		if strings.HasPrefix(strings.ToLower(v.Locale), strings.ToLower(localePrefix)) {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

// Exists reports whether the given voice identifier is in the catalog.
func (c *Catalog) Exists(id string) bool {
	snap := c.current.Load()
	if snap == nil {
		return false
	}
	_, ok := snap.byID[id]
	return ok
}

// Count returns the size of the current snapshot.
func (c *Catalog) Count() int {
	snap := c.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.voices)
}

// FetchedAt returns when the current snapshot was loaded.
func (c *Catalog) FetchedAt() time.Time {
	snap := c.current.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.fetchedAt
}
