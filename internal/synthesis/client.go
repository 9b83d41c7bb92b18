package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// Client drives the external engine for single chunks. It owns the retry
// policy and the global concurrency limit shared across all requests.
type Client struct {
	engine  Engine
	policy  RetryPolicy
	global  *semaphore.Weighted
	log     *slog.Logger
	retries metric.Int64Counter
}

func NewClient(engine Engine, policy RetryPolicy, globalConcurrency int64, log *slog.Logger) *Client {
	log = log.With(slog.String("component", "synthesis-client"))
	retries, err := otel.Meter("github.com/edgespeak/edgespeak/synthesis").Int64Counter(
		"edgespeak.engine.retries",
		metric.WithDescription("Engine calls retried after a transient failure"))
	if err != nil {
		log.Warn("retry counter unavailable", slog.String("error", err.Error()))
	}
	return &Client{
		engine:  engine,
		policy:  policy,
		global:  semaphore.NewWeighted(globalConcurrency),
		log:     log,
		retries: retries,
	}
}

// SynthesizeChunk converts one chunk of text into a fragment, retrying
// transient engine failures per the policy. The global semaphore bounds how
// many engine calls run at once across all requests.
func (c *Client) SynthesizeChunk(ctx context.Context, req Request, index int) (Fragment, error) {
	if err := c.global.Acquire(ctx, 1); err != nil {
		return Fragment{}, err
	}
	defer c.global.Release(1)

	delays := c.policy.schedule()
	for attempt := 0; ; attempt++ {
		audio, err := c.engine.Synthesize(ctx, req)
		if err == nil && len(audio) == 0 {
			err = fmt.Errorf("%w: engine produced no audio", ErrEngineUnavailable)
		}
		if err == nil {
			return Fragment{Index: index, Audio: audio}, nil
		}
		if ctx.Err() != nil {
			return Fragment{}, ctx.Err()
		}

		delay, retry := c.policy.Next(attempt, err, delays)
		if !retry {
			return Fragment{}, err
		}
		c.log.Warn("retrying chunk synthesis",
			slog.Int("chunk", index),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if c.retries != nil {
			c.retries.Add(ctx, 1)
		}
		select {
		case <-ctx.Done():
			return Fragment{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}
