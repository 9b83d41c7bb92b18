package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgespeak/edgespeak/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.HistoryConfig{
		Enabled:       true,
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionDays: 30,
	}
	s, err := Open(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{StatusOK, StatusError, StatusOK} {
		err := s.Append(ctx, Record{
			Kind:       KindRequest,
			RequestID:  "req",
			Voice:      "hu-HU-NoemiNeural",
			Format:     "mp3",
			Status:     status,
			TextChars:  10 + i,
			Chunks:     1,
			AudioBytes: 100,
			DurationMS: 5,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	records, err := s.Recent(ctx, KindRequest, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].TextChars != 12 {
		t.Fatalf("expected newest first, got %+v", records[0])
	}
	if records[0].CreatedAt.IsZero() {
		t.Fatal("created_at not round-tripped")
	}
}

func TestStoreRecentFiltersKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, Record{Kind: KindRequest, Voice: "v", Status: StatusOK})
	s.Append(ctx, Record{Kind: KindProbe, Voice: "v", Status: StatusError, Error: "engine down"})

	probes, err := s.Recent(ctx, KindProbe, 10)
	if err != nil {
		t.Fatalf("recent probes: %v", err)
	}
	if len(probes) != 1 || probes[0].Error != "engine down" {
		t.Fatalf("unexpected probe records: %+v", probes)
	}

	all, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records for empty kind, got %d", len(all))
	}
}

func TestStoreSummarize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Append(ctx, Record{Kind: KindRequest, Voice: "v", Status: StatusOK, AudioBytes: 100, CacheHit: true, CreatedAt: now})
	s.Append(ctx, Record{Kind: KindRequest, Voice: "v", Status: StatusError, AudioBytes: 0, CreatedAt: now})
	s.Append(ctx, Record{Kind: KindProbe, Voice: "v", Status: StatusOK, AudioBytes: 50, CreatedAt: now})

	summaries, err := s.Summarize(ctx, 7)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 day, got %d", len(summaries))
	}
	day := summaries[0]
	if day.Requests != 2 || day.Failures != 1 || day.CacheHits != 1 || day.AudioBytes != 100 {
		t.Fatalf("unexpected summary: %+v", day)
	}
}

func TestStoreLastProbe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	s.Append(ctx, Record{Kind: KindProbe, Voice: "a", Status: StatusError, CreatedAt: base})
	s.Append(ctx, Record{Kind: KindProbe, Voice: "a", Status: StatusOK, CreatedAt: base.Add(time.Minute)})
	s.Append(ctx, Record{Kind: KindProbe, Voice: "b", Status: StatusError, CreatedAt: base.Add(2 * time.Minute)})

	probe, err := s.LastProbe(ctx, "a")
	if err != nil {
		t.Fatalf("last probe: %v", err)
	}
	if probe == nil || probe.Status != StatusOK {
		t.Fatalf("expected newest probe for voice a, got %+v", probe)
	}

	none, err := s.LastProbe(ctx, "missing")
	if err != nil {
		t.Fatalf("last probe missing voice: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil for unknown voice, got %+v", none)
	}
}

func TestStorePruneRemovesOldRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Append(ctx, Record{Kind: KindRequest, Voice: "v", Status: StatusOK, CreatedAt: now.AddDate(0, 0, -60)})
	s.Append(ctx, Record{Kind: KindRequest, Voice: "v", Status: StatusOK, CreatedAt: now})

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := s.Recent(ctx, KindRequest, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected only the fresh record to survive, got %d", len(records))
	}
}

func TestDisabledStoreIsNoOp(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), config.HistoryConfig{Enabled: false}, log)
	if err != nil {
		t.Fatalf("open disabled store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Append(context.Background(), Record{Kind: KindRequest, Voice: "v", Status: StatusOK}); err != nil {
		t.Fatalf("append on disabled store: %v", err)
	}
	records, err := s.Recent(context.Background(), "", 10)
	if err != nil || records != nil {
		t.Fatalf("disabled store must return nothing, got %v (%v)", records, err)
	}
}
