// Package history persists a record of synthesis requests and monitor probes
// in SQLite, pruned by configured retention.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgespeak/edgespeak/internal/config"
)

const (
	KindRequest = "request"
	KindProbe   = "probe"

	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Record is one synthesis or probe outcome.
type Record struct {
	ID         int64
	Kind       string
	RequestID  string
	Voice      string
	Format     string
	Status     string
	TextChars  int
	Chunks     int
	AudioBytes int64
	DurationMS int64
	CacheHit   bool
	Error      string
	CreatedAt  time.Time
}

// DailySummary aggregates one calendar day of records.
type DailySummary struct {
	Day        string `json:"day"`
	Requests   int64  `json:"requests"`
	Failures   int64  `json:"failures"`
	CacheHits  int64  `json:"cacheHits"`
	AudioBytes int64  `json:"audioBytes"`
}

// Store wraps the SQLite-backed history log. A disabled store is a valid
// no-op value so callers never branch on configuration.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS syntheses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    request_id TEXT,
    voice TEXT NOT NULL,
    format TEXT,
    status TEXT NOT NULL,
    text_chars INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    audio_bytes INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    cache_hit INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_syntheses_created ON syntheses(created_at);
CREATE INDEX IF NOT EXISTS idx_syntheses_voice_created ON syntheses(voice, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one record. Disabled stores accept and drop it.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO syntheses(kind, request_id, voice, format, status, text_chars, chunks, audio_bytes, duration_ms, cache_hit, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.RequestID, rec.Voice, rec.Format, rec.Status,
		rec.TextChars, rec.Chunks, rec.AudioBytes, rec.DurationMS,
		rec.CacheHit, rec.Error, rec.CreatedAt)
	return err
}

// Recent retrieves up to limit records of the given kind, newest first. An
// empty kind matches everything.
func (s *Store) Recent(ctx context.Context, kind string, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, request_id, voice, format, status, text_chars, chunks, audio_bytes, duration_ms, cache_hit, error, created_at
		 FROM syntheses WHERE (? = '' OR kind = ?) ORDER BY created_at DESC, id DESC LIMIT ?`,
		kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.Kind, &r.RequestID, &r.Voice, &r.Format, &r.Status,
			&r.TextChars, &r.Chunks, &r.AudioBytes, &r.DurationMS, &r.CacheHit, &r.Error, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summarize aggregates request records per calendar day over the last days.
func (s *Store) Summarize(ctx context.Context, days int) ([]DailySummary, error) {
	if s.db == nil {
		return nil, nil
	}
	if days <= 0 {
		days = 7
	}
	cutoff := s.clock().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT date(created_at) AS day,
		        COUNT(*),
		        SUM(CASE WHEN status != ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END),
		        SUM(audio_bytes)
		 FROM syntheses WHERE kind = ? AND created_at >= ?
		 GROUP BY day ORDER BY day DESC`,
		StatusOK, KindRequest, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []DailySummary
	for rows.Next() {
		var d DailySummary
		if err := rows.Scan(&d.Day, &d.Requests, &d.Failures, &d.CacheHits, &d.AudioBytes); err != nil {
			return nil, err
		}
		summaries = append(summaries, d)
	}
	return summaries, rows.Err()
}

// LastProbe returns the newest probe record for a voice, if any.
func (s *Store) LastProbe(ctx context.Context, voiceID string) (*Record, error) {
	records, err := s.recentForVoice(ctx, KindProbe, voiceID, 1)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

func (s *Store) recentForVoice(ctx context.Context, kind, voiceID string, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, request_id, voice, format, status, text_chars, chunks, audio_bytes, duration_ms, cache_hit, error, created_at
		 FROM syntheses WHERE kind = ? AND voice = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		kind, voiceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.Kind, &r.RequestID, &r.Voice, &r.Format, &r.Status,
			&r.TextChars, &r.Chunks, &r.AudioBytes, &r.DurationMS, &r.CacheHit, &r.Error, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune removes records older than the configured retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM syntheses WHERE created_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned history records", slog.Int64("removed", n))
	}
	return nil
}
