package synthesis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestPipeline(engine Engine, maxChunkChars int) *Pipeline {
	client := NewClient(engine, fastPolicy(0), 16, testLogger())
	return NewPipeline(client, maxChunkChars, 4, testLogger())
}

func TestPipelineSingleChunkScenario(t *testing.T) {
	engine := &fakeEngine{fn: func(_ context.Context, req Request, _ int) ([]byte, error) {
		return []byte("<" + req.Text + ">"), nil
	}}
	p := newTestPipeline(engine, 50)

	audio, stats, err := p.SynthesizeAll(context.Background(), Request{
		Text: "Hello world.", Voice: "en-US-Standard", Format: FormatMP3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Chunks != 1 {
		t.Fatalf("expected 1 chunk, got %d", stats.Chunks)
	}
	if string(audio) != "<Hello world.>" {
		t.Fatalf("unexpected audio: %q", audio)
	}
	if engine.callCount() != 1 {
		t.Fatalf("expected 1 engine call, got %d", engine.callCount())
	}
}

func TestPipelineOrdersOutOfOrderCompletions(t *testing.T) {
	// Later ordinals finish first; output must still follow ordinal order.
	engine := &fakeEngine{fn: func(ctx context.Context, req Request, _ int) ([]byte, error) {
		delay := time.Duration(60-len(req.Text)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		return []byte("[" + strings.TrimSpace(req.Text) + "]"), nil
	}}
	p := newTestPipeline(engine, 12)

	text := "aa. bbbb. cccccc. dd."
	audio, stats, err := p.SynthesizeAll(context.Background(), Request{Text: text, Voice: "v", Format: FormatMP3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Chunks < 2 {
		t.Fatalf("expected a multi-chunk split, got %d", stats.Chunks)
	}
	got := string(audio)
	if !strings.HasPrefix(got, "[aa.") {
		t.Fatalf("fragment order broken: %q", got)
	}
	if !strings.HasSuffix(got, "dd.]") {
		t.Fatalf("fragment order broken at tail: %q", got)
	}
	if strings.Index(got, "bbbb") > strings.Index(got, "cccccc") {
		t.Fatalf("fragment order broken in middle: %q", got)
	}
}

func TestPipelineRejectsEmptyText(t *testing.T) {
	engine := &fakeEngine{fn: func(_ context.Context, _ Request, _ int) ([]byte, error) {
		return []byte("x"), nil
	}}
	p := newTestPipeline(engine, 50)

	_, _, err := p.SynthesizeAll(context.Background(), Request{Text: "   ", Voice: "v", Format: FormatMP3})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if engine.callCount() != 0 {
		t.Fatalf("engine must not be contacted for invalid input, got %d calls", engine.callCount())
	}
}

func TestPipelineFailFastOnRejection(t *testing.T) {
	engine := &fakeEngine{fn: func(ctx context.Context, req Request, _ int) ([]byte, error) {
		if strings.Contains(req.Text, "bad") {
			return nil, fmt.Errorf("%w: voice mismatch", ErrEngineRejected)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return []byte("slow"), nil
		}
	}}
	p := newTestPipeline(engine, 10)

	start := time.Now()
	audio, _, err := p.SynthesizeAll(context.Background(), Request{
		Text: "good one. bad here. tail text.", Voice: "v", Format: FormatMP3,
	})
	if !errors.Is(err, ErrEngineRejected) {
		t.Fatalf("expected rejection to surface, got %v", err)
	}
	if audio != nil {
		t.Fatalf("buffered synthesis must discard partial output, got %d bytes", len(audio))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("rejection did not cancel sibling chunks, took %v", elapsed)
	}
}

func TestPipelineCancellationStopsEngineCalls(t *testing.T) {
	release := make(chan struct{})
	engine := &fakeEngine{fn: func(ctx context.Context, _ Request, _ int) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []byte("x"), nil
		}
	}}
	p := newTestPipeline(engine, 5)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := p.SynthesizeAll(ctx, Request{
			Text: strings.Repeat("word ", 40), Voice: "v", Format: FormatMP3,
		})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	calls := engine.callCount()
	time.Sleep(50 * time.Millisecond)
	if engine.callCount() != calls {
		t.Fatalf("engine called after cancellation: %d -> %d", calls, engine.callCount())
	}
	close(release)
}

func TestPipelinePartialFailureKeepsUnderlyingClass(t *testing.T) {
	// Chunk 0 completes before its sibling is rejected, so the error carries
	// the partial marker; the rejection must still be visible underneath.
	engine := &fakeEngine{fn: func(ctx context.Context, req Request, _ int) ([]byte, error) {
		if strings.Contains(req.Text, "bad") {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			return nil, fmt.Errorf("%w: voice mismatch", ErrEngineRejected)
		}
		return []byte("good-audio"), nil
	}}
	p := newTestPipeline(engine, 12)

	audio, _, err := p.SynthesizeAll(context.Background(), Request{
		Text: "good part. bad part.", Voice: "v", Format: FormatMP3,
	})
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("expected partial failure marker, got %v", err)
	}
	if !errors.Is(err, ErrEngineRejected) {
		t.Fatalf("expected rejection to remain visible under the partial wrap, got %v", err)
	}
	if audio != nil {
		t.Fatalf("buffered synthesis must discard partial output, got %d bytes", len(audio))
	}
}

func TestPipelinePartialFailureFlushesStreamedPrefix(t *testing.T) {
	engine := &fakeEngine{fn: func(ctx context.Context, req Request, _ int) ([]byte, error) {
		if strings.HasPrefix(req.Text, "head") {
			return []byte("head-audio"), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		return nil, fmt.Errorf("%w: gone", ErrEngineUnavailable)
	}}
	p := newTestPipeline(engine, 8)

	var buf bytes.Buffer
	_, err := p.Run(context.Background(), Request{Text: "head. tail tail.", Voice: "v", Format: FormatMP3}, &buf)
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("expected ErrPartialFailure, got %v", err)
	}
	if buf.String() != "head-audio" {
		t.Fatalf("expected the ordered prefix to have been flushed, got %q", buf.String())
	}
}
