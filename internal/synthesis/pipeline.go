package synthesis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/edgespeak/edgespeak/internal/chunker"
)

// Stats summarizes one completed pipeline run.
type Stats struct {
	Chunks int
	Bytes  int64
}

// Pipeline fans a request out into per-chunk engine calls and fans the
// fragments back in as one ordered audio stream.
type Pipeline struct {
	client             *Client
	maxChunkChars      int
	requestConcurrency int64
	log                *slog.Logger
	tracer             trace.Tracer
}

func NewPipeline(client *Client, maxChunkChars, requestConcurrency int, log *slog.Logger) *Pipeline {
	return &Pipeline{
		client:             client,
		maxChunkChars:      maxChunkChars,
		requestConcurrency: int64(requestConcurrency),
		log:                log.With(slog.String("component", "synthesis-pipeline")),
		tracer:             otel.Tracer("github.com/edgespeak/edgespeak/synthesis"),
	}
}

// Run synthesizes req and writes the ordered audio stream to w. Chunks are
// dispatched concurrently up to the per-request limit; the first terminal
// chunk error cancels all siblings. When some audio was already flushed the
// error is ErrPartialFailure, otherwise the chunk error surfaces directly.
func (p *Pipeline) Run(ctx context.Context, req Request, w io.Writer) (Stats, error) {
	if err := req.Validate(); err != nil {
		return Stats{}, err
	}

	chunks, err := chunker.Split(req.Text, p.maxChunkChars)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ctx, span := p.tracer.Start(ctx, "synthesis.run",
		trace.WithAttributes(
			attribute.String("voice", req.Voice),
			attribute.Int("chunks", len(chunks)),
			attribute.Int("text_chars", len(req.Text)),
		))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	perRequest := semaphore.NewWeighted(p.requestConcurrency)
	fragments := make(chan Fragment)

	for i, text := range chunks {
		g.Go(func() error {
			if err := perRequest.Acquire(gctx, 1); err != nil {
				return err
			}
			defer perRequest.Release(1)

			cctx, cspan := p.tracer.Start(gctx, "synthesis.chunk",
				trace.WithAttributes(attribute.Int("ordinal", i)))
			frag, err := p.client.SynthesizeChunk(cctx, req.WithText(text), i)
			cspan.End()
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			select {
			case fragments <- frag:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(fragments)
	}()

	asm := NewAssembler(w)
	var assembleErr error
	for frag := range fragments {
		if assembleErr != nil {
			continue // drain
		}
		assembleErr = asm.Offer(frag)
	}
	runErr := <-done

	switch {
	case assembleErr != nil:
		err = assembleErr
	case runErr != nil:
		err = runErr
	default:
		err = asm.Complete(len(chunks))
	}
	if err != nil {
		if asm.Written() > 0 {
			// Both classes stay visible: callers branch on the cause
			// (rejection vs transport) as well as on partiality.
			err = fmt.Errorf("%w: %w", ErrPartialFailure, err)
		}
		p.log.Warn("synthesis failed",
			slog.String("voice", req.Voice),
			slog.Int("chunks", len(chunks)),
			slog.Int64("bytes_flushed", asm.Written()),
			slog.String("error", err.Error()))
		return Stats{Chunks: len(chunks), Bytes: asm.Written()}, err
	}

	return Stats{Chunks: len(chunks), Bytes: asm.Written()}, nil
}

// SynthesizeAll runs the pipeline into memory and returns the full audio.
// Nothing is returned on failure, so buffered callers never see partial output.
func (p *Pipeline) SynthesizeAll(ctx context.Context, req Request) ([]byte, Stats, error) {
	var buf bytes.Buffer
	stats, err := p.Run(ctx, req, &buf)
	if err != nil {
		return nil, stats, err
	}
	return buf.Bytes(), stats, nil
}
