// Package monitor probes configured voices on a schedule and records the
// outcomes, so voice regressions on the engine side surface without waiting
// for a user request to fail.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/edgespeak/edgespeak/internal/bus"
	"github.com/edgespeak/edgespeak/internal/config"
	"github.com/edgespeak/edgespeak/internal/history"
	"github.com/edgespeak/edgespeak/internal/protocol"
	"github.com/edgespeak/edgespeak/internal/synthesis"
)

// ProbeResult is the latest outcome for one monitored voice.
type ProbeResult struct {
	Voice      string    `json:"voice"`
	Healthy    bool      `json:"healthy"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Monitor drives probe rounds against the engine client.
type Monitor struct {
	cfg     config.MonitorConfig
	client  *synthesis.Client
	store   *history.Store
	events  *bus.Client
	log     *slog.Logger
	healthy metric.Int64Gauge

	mu      sync.Mutex
	results map[string]ProbeResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.MonitorConfig, client *synthesis.Client, store *history.Store, events *bus.Client, log *slog.Logger) *Monitor {
	meter := otel.Meter("github.com/edgespeak/edgespeak/monitor")
	healthy, err := meter.Int64Gauge("edgespeak.monitor.voice_healthy",
		metric.WithDescription("1 when the last probe for a voice succeeded, 0 otherwise"))
	if err != nil {
		log.Warn("monitor gauge unavailable", slog.String("error", err.Error()))
	}
	return &Monitor{
		cfg:     cfg,
		client:  client,
		store:   store,
		events:  events,
		log:     log.With(slog.String("component", "monitor")),
		healthy: healthy,
		results: make(map[string]ProbeResult),
	}
}

// Start launches the probe loop. The first round runs immediately so status
// is populated shortly after boot.
func (m *Monitor) Start(parent context.Context) {
	if !m.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		interval := time.Duration(m.cfg.IntervalMS) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.runRound(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runRound(ctx)
			}
		}
	}()
}

func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) runRound(ctx context.Context) {
	for _, voiceID := range m.cfg.Voices {
		if ctx.Err() != nil {
			return
		}
		m.probe(ctx, voiceID)
	}
}

func (m *Monitor) probe(ctx context.Context, voiceID string) {
	req := synthesis.Request{
		Text:   m.cfg.ProbeText,
		Voice:  voiceID,
		Format: synthesis.FormatMP3,
	}

	start := time.Now()
	frag, err := m.client.SynthesizeChunk(ctx, req, 0)
	elapsed := time.Since(start)

	result := ProbeResult{
		Voice:      voiceID,
		Healthy:    err == nil,
		DurationMS: elapsed.Milliseconds(),
		CheckedAt:  time.Now().UTC(),
	}
	rec := history.Record{
		Kind:       history.KindProbe,
		Voice:      voiceID,
		Format:     req.Format,
		Status:     history.StatusOK,
		TextChars:  len([]rune(req.Text)),
		Chunks:     1,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		rec.Status = history.StatusError
		rec.Error = err.Error()
		m.log.Warn("voice probe failed",
			slog.String("voice", voiceID),
			slog.String("error", err.Error()))
	} else {
		rec.AudioBytes = int64(len(frag.Audio))
	}

	m.mu.Lock()
	m.results[voiceID] = result
	m.mu.Unlock()

	if m.healthy != nil {
		value := int64(0)
		if result.Healthy {
			value = 1
		}
		m.healthy.Record(ctx, value, metric.WithAttributes(attribute.String("voice", voiceID)))
	}

	if err := m.store.Append(ctx, rec); err != nil {
		m.log.Warn("probe record not persisted", slog.String("error", err.Error()))
	}

	m.events.PublishProbe(protocol.VoiceProbe{
		Voice:      voiceID,
		Healthy:    result.Healthy,
		DurationMS: result.DurationMS,
		Error:      result.Error,
	})
}

// Results returns the latest probe outcome per monitored voice, in the
// configured voice order.
func (m *Monitor) Results() []ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProbeResult, 0, len(m.results))
	for _, voiceID := range m.cfg.Voices {
		if r, ok := m.results[voiceID]; ok {
			out = append(out, r)
		}
	}
	return out
}
