// Package server exposes the synthesis service over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/edgespeak/edgespeak/internal/bus"
	"github.com/edgespeak/edgespeak/internal/cache"
	"github.com/edgespeak/edgespeak/internal/config"
	"github.com/edgespeak/edgespeak/internal/history"
	"github.com/edgespeak/edgespeak/internal/monitor"
	"github.com/edgespeak/edgespeak/internal/protocol"
	"github.com/edgespeak/edgespeak/internal/synthesis"
	"github.com/edgespeak/edgespeak/internal/voice"
)

// Server wires the synthesis pipeline, voice catalog, cache and bookkeeping
// behind the HTTP surface. Cache, monitor and events are optional; nil values
// disable them.
type Server struct {
	cfg      config.Config
	version  string
	pipeline *synthesis.Pipeline
	catalog  *voice.Catalog
	cache    *cache.Cache
	store    *history.Store
	events   *bus.Client
	monitor  *monitor.Monitor
	log      *slog.Logger

	startedAt time.Time

	requests   metric.Int64Counter
	durationMS metric.Float64Histogram
	audioBytes metric.Int64Counter
}

func New(cfg config.Config, version string, pipeline *synthesis.Pipeline, catalog *voice.Catalog,
	requestCache *cache.Cache, store *history.Store, events *bus.Client, mon *monitor.Monitor,
	log *slog.Logger) *Server {

	s := &Server{
		cfg:       cfg,
		version:   version,
		pipeline:  pipeline,
		catalog:   catalog,
		cache:     requestCache,
		store:     store,
		events:    events,
		monitor:   mon,
		log:       log.With(slog.String("component", "http")),
		startedAt: time.Now(),
	}

	meter := otel.Meter("github.com/edgespeak/edgespeak/server")
	var err error
	if s.requests, err = meter.Int64Counter("edgespeak.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome")); err != nil {
		log.Warn("request counter unavailable", slog.String("error", err.Error()))
	}
	if s.durationMS, err = meter.Float64Histogram("edgespeak.synthesis.duration_ms",
		metric.WithDescription("End-to-end synthesis latency"),
		metric.WithUnit("ms")); err != nil {
		log.Warn("duration histogram unavailable", slog.String("error", err.Error()))
	}
	if s.audioBytes, err = meter.Int64Counter("edgespeak.synthesis.audio_bytes",
		metric.WithDescription("Audio bytes produced"),
		metric.WithUnit("By")); err != nil {
		log.Warn("byte counter unavailable", slog.String("error", err.Error()))
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /synthesize", s.handleSynthesize)
	mux.HandleFunc("GET /synthesize", s.handleSynthesize)
	mux.HandleFunc("GET /voices", s.handleVoices)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /{$}", s.handleInfo)
	return mux
}

type synthesizeRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Rate   int    `json:"rate"`
	Pitch  int    `json:"pitch"`
	Volume int    `json:"volume"`
	Format string `json:"format"`
}

func (s *Server) parseRequest(r *http.Request) (synthesis.Request, error) {
	var dto synthesizeRequest
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return synthesis.Request{}, fmt.Errorf("%w: read body: %v", synthesis.ErrInvalidInput, err)
		}
		if err := json.Unmarshal(body, &dto); err != nil {
			return synthesis.Request{}, fmt.Errorf("%w: invalid JSON body", synthesis.ErrInvalidInput)
		}
	} else {
		q := r.URL.Query()
		dto.Text = q.Get("text")
		dto.Voice = q.Get("voice")
		dto.Format = q.Get("format")
		for _, f := range []struct {
			name   string
			target *int
		}{
			{"rate", &dto.Rate},
			{"pitch", &dto.Pitch},
			{"volume", &dto.Volume},
		} {
			raw := q.Get(f.name)
			if raw == "" {
				continue
			}
			v, err := strconv.Atoi(raw)
			if err != nil {
				return synthesis.Request{}, fmt.Errorf("%w: %s must be an integer", synthesis.ErrInvalidInput, f.name)
			}
			*f.target = v
		}
	}

	if dto.Voice == "" {
		dto.Voice = s.cfg.Synthesis.DefaultVoice
	}
	if dto.Format == "" {
		dto.Format = s.cfg.Synthesis.DefaultFormat
	}

	req := synthesis.Request{
		Text:   dto.Text,
		Voice:  dto.Voice,
		Rate:   dto.Rate,
		Pitch:  dto.Pitch,
		Volume: dto.Volume,
		Format: dto.Format,
	}
	if err := req.Validate(); err != nil {
		return synthesis.Request{}, err
	}
	if n := len([]rune(req.Text)); n > s.cfg.Synthesis.MaxTextChars {
		return synthesis.Request{}, fmt.Errorf("%w: text exceeds %d characters (%d)",
			synthesis.ErrInvalidInput, s.cfg.Synthesis.MaxTextChars, n)
	}
	return req, nil
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)
	log := s.log.With(slog.String("request_id", requestID))

	req, err := s.parseRequest(r)
	if err != nil {
		s.writeError(w, err)
		s.count("invalid", false)
		return
	}

	// Unknown voices are rejected before the engine is contacted. Before the
	// first catalog snapshot the check is skipped rather than failing every
	// request during a degraded start.
	if s.catalog.Ready() && !s.catalog.Exists(req.Voice) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("unknown voice %q", req.Voice),
		})
		s.count("unknown_voice", false)
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		s.synthesizeStream(w, r, req, requestID, log)
		return
	}
	s.synthesizeBuffered(w, r, req, requestID, log)
}

func (s *Server) synthesizeBuffered(w http.ResponseWriter, r *http.Request, req synthesis.Request, requestID string, log *slog.Logger) {
	start := time.Now()

	// The fill may outlive this handler when coalesced, so the stats capture
	// is guarded.
	var statsMu sync.Mutex
	var stats synthesis.Stats
	fill := func(ctx context.Context) ([]byte, error) {
		audio, st, err := s.pipeline.SynthesizeAll(ctx, req)
		statsMu.Lock()
		stats = st
		statsMu.Unlock()
		return audio, err
	}

	var audio []byte
	var hit bool
	var err error
	if s.cache != nil {
		audio, hit, err = s.cache.GetOrFill(r.Context(), req.Key(), fill)
	} else {
		audio, err = fill(r.Context())
	}
	elapsed := time.Since(start)
	statsMu.Lock()
	st := stats
	statsMu.Unlock()

	if err != nil {
		log.Warn("synthesis failed",
			slog.String("voice", req.Voice),
			slog.String("error", err.Error()))
		s.writeError(w, err)
		s.finishRequest(r.Context(), req, requestID, st, 0, elapsed, hit, err)
		return
	}

	w.Header().Set("Content-Type", synthesis.ContentType(req.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)

	log.Info("synthesis served",
		slog.String("voice", req.Voice),
		slog.Int("bytes", len(audio)),
		slog.Bool("cache_hit", hit),
		slog.Duration("elapsed", elapsed))
	s.finishRequest(r.Context(), req, requestID, st, int64(len(audio)), elapsed, hit, nil)
}

// synthesizeStream flushes fragments to the client as they become ready.
// Status and headers go out before the outcome is known; a failure after the
// first byte can only cut the connection so the client sees a truncated body
// instead of a clean EOF. Concurrent identical streamed misses share one
// engine run: the caller holding the singleflight slot streams fragments as
// they are produced, the rest receive the completed audio in one piece.
func (s *Server) synthesizeStream(w http.ResponseWriter, r *http.Request, req synthesis.Request, requestID string, log *slog.Logger) {
	start := time.Now()

	if s.cache != nil {
		if audio, ok := s.cache.Get(req.Key()); ok {
			w.Header().Set("Content-Type", synthesis.ContentType(req.Format))
			w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(audio)
			s.finishRequest(r.Context(), req, requestID, synthesis.Stats{}, int64(len(audio)), time.Since(start), true, nil)
			return
		}
	}

	w.Header().Set("Content-Type", synthesis.ContentType(req.Format))
	sink := newStreamSink(w)

	var statsMu sync.Mutex
	var stats synthesis.Stats
	var audio []byte
	var err error
	if s.cache != nil {
		audio, _, err = s.cache.GetOrFill(r.Context(), req.Key(), func(ctx context.Context) ([]byte, error) {
			var spool bytes.Buffer
			runStats, runErr := s.pipeline.Run(ctx, req, io.MultiWriter(sink, &spool))
			statsMu.Lock()
			stats = runStats
			statsMu.Unlock()
			if runErr != nil {
				return nil, runErr
			}
			return spool.Bytes(), nil
		})
	} else {
		stats, err = s.pipeline.Run(r.Context(), req, sink)
	}
	written, failed := sink.Detach()
	elapsed := time.Since(start)
	statsMu.Lock()
	st := stats
	statsMu.Unlock()

	if err != nil {
		s.finishRequest(r.Context(), req, requestID, st, written, elapsed, false, err)
		if failed {
			return
		}
		if written == 0 {
			s.writeError(w, err)
			return
		}
		log.Warn("stream cut after partial delivery",
			slog.String("voice", req.Voice),
			slog.Int64("bytes_written", written),
			slog.String("error", err.Error()))
		panic(http.ErrAbortHandler)
	}

	if written > 0 || failed {
		log.Info("synthesis streamed",
			slog.String("voice", req.Voice),
			slog.Int64("bytes", written),
			slog.Duration("elapsed", elapsed))
		s.finishRequest(r.Context(), req, requestID, st, written, elapsed, false, nil)
		return
	}

	// Joined another caller's in-flight synthesis; deliver the shared result
	// whole.
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
	log.Info("synthesis served",
		slog.String("voice", req.Voice),
		slog.Int("bytes", len(audio)),
		slog.Bool("coalesced", true),
		slog.Duration("elapsed", elapsed))
	s.finishRequest(r.Context(), req, requestID, st, int64(len(audio)), elapsed, false, nil)
}

// streamSink pushes fragments to the wire immediately and tracks how much
// reached the client. Writes never fail the producer: a shared synthesis must
// be able to finish for the cache and for coalesced waiters after this client
// is gone. Detach marks the handler as returned, so a detached fill that is
// still running stops touching the response.
type streamSink struct {
	mu       sync.Mutex
	w        io.Writer
	rc       *http.ResponseController
	written  int64
	failed   bool
	detached bool
}

func newStreamSink(w http.ResponseWriter) *streamSink {
	return &streamSink{w: w, rc: http.NewResponseController(w)}
}

func (f *streamSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detached || f.failed {
		return len(p), nil
	}
	n, err := f.w.Write(p)
	f.written += int64(n)
	if err != nil {
		f.failed = true
		return len(p), nil
	}
	_ = f.rc.Flush()
	return len(p), nil
}

// Detach stops further writes and reports what was delivered.
func (f *streamSink) Detach() (written int64, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	return f.written, f.failed
}

// finishRequest records the outcome in history, metrics and events.
func (s *Server) finishRequest(ctx context.Context, req synthesis.Request, requestID string,
	stats synthesis.Stats, bytesOut int64, elapsed time.Duration, cacheHit bool, err error) {

	status := history.StatusOK
	outcome := "ok"
	switch {
	case errors.Is(err, synthesis.ErrPartialFailure):
		status, outcome = history.StatusPartial, "partial"
	case err != nil:
		status, outcome = history.StatusError, "error"
	}

	rec := history.Record{
		Kind:       history.KindRequest,
		RequestID:  requestID,
		Voice:      req.Voice,
		Format:     req.Format,
		Status:     status,
		TextChars:  len([]rune(req.Text)),
		Chunks:     stats.Chunks,
		AudioBytes: bytesOut,
		DurationMS: elapsed.Milliseconds(),
		CacheHit:   cacheHit,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	// History uses a detached context so a canceled request still gets its row.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if recordErr := s.store.Append(recordCtx, rec); recordErr != nil {
		s.log.Warn("history record failed", slog.String("error", recordErr.Error()))
	}

	s.count(outcome, cacheHit)
	if s.durationMS != nil {
		s.durationMS.Record(recordCtx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if s.audioBytes != nil && bytesOut > 0 {
		s.audioBytes.Add(recordCtx, bytesOut)
	}

	if err == nil {
		s.events.PublishCompleted(protocol.SynthesisCompleted{
			RequestID:  requestID,
			Voice:      req.Voice,
			Format:     req.Format,
			TextChars:  len([]rune(req.Text)),
			Chunks:     stats.Chunks,
			AudioBytes: bytesOut,
			DurationMS: elapsed.Milliseconds(),
			CacheHit:   cacheHit,
		})
		return
	}
	s.events.PublishFailed(protocol.SynthesisFailed{
		RequestID:    requestID,
		Voice:        req.Voice,
		Format:       req.Format,
		Reason:       err.Error(),
		Partial:      errors.Is(err, synthesis.ErrPartialFailure),
		BytesWritten: bytesOut,
	})
}

func (s *Server) count(outcome string, cacheHit bool) {
	if s.requests == nil {
		return
	}
	s.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("cache_hit", cacheHit),
	))
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if !s.catalog.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "voice catalog not loaded yet",
		})
		return
	}
	voices := s.catalog.List(r.URL.Query().Get("locale"))
	if voices == nil {
		voices = []voice.Descriptor{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"voices":    voices,
		"count":     len(voices),
		"fetchedAt": s.catalog.FetchedAt().UTC(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":       s.cfg.ServiceName,
		"version":       s.version,
		"environment":   s.cfg.Environment,
		"engine":        s.cfg.Engine.Mode,
		"defaultVoice":  s.cfg.Synthesis.DefaultVoice,
		"defaultFormat": s.cfg.Synthesis.DefaultFormat,
		"formats":       []string{synthesis.FormatMP3, synthesis.FormatWebM},
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"service":       s.cfg.ServiceName,
		"version":       s.version,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"engine":        s.cfg.Engine.Mode,
		"catalog": map[string]any{
			"ready":     s.catalog.Ready(),
			"voices":    s.catalog.Count(),
			"fetchedAt": s.catalog.FetchedAt().UTC(),
		},
		"eventsConnected": s.events.Healthy(),
	}
	if s.cache != nil {
		status["cache"] = s.cache.Stats()
	}
	if s.monitor != nil {
		status["probes"] = s.monitor.Results()
	}
	if summaries, err := s.store.Summarize(r.Context(), 7); err == nil && summaries != nil {
		status["daily"] = summaries
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.catalog.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// writeError maps the synthesis taxonomy onto HTTP statuses. Engine-class
// failures carry a fixed generic message; the detailed chain (dial targets,
// engine responses) stays in logs, history and events only. Input errors keep
// their text since it is produced by this service and names what to fix.
// Rejection wins over the partial marker so a buffered request whose sibling
// chunk succeeded still reports the client-correctable cause.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, synthesis.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, synthesis.ErrEngineRejected):
		status, msg = http.StatusBadRequest, synthesis.ErrEngineRejected.Error()
	case errors.Is(err, synthesis.ErrEngineTimeout):
		status, msg = http.StatusGatewayTimeout, synthesis.ErrEngineTimeout.Error()
	case errors.Is(err, synthesis.ErrEngineUnavailable):
		status, msg = http.StatusBadGateway, synthesis.ErrEngineUnavailable.Error()
	case errors.Is(err, synthesis.ErrPartialFailure):
		status, msg = http.StatusBadGateway, synthesis.ErrPartialFailure.Error()
	case errors.Is(err, context.Canceled):
		// Client went away; 499 in the access-log sense, nothing to send.
		status, msg = http.StatusBadRequest, "request canceled"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("response encode failed", slog.String("error", err.Error()))
	}
}
