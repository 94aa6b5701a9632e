// Package collector samples host and process usage and pushes it to the
// ingest endpoint.
package collector

import (
	"context"
	"time"

	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/util"
)

// Sampler produces one ingest payload per call.
type Sampler interface {
	Sample(ctx context.Context) (domain.IngestPayload, error)
}

type Collector struct {
	sampler  Sampler
	pusher   *Pusher
	interval time.Duration
	logger   *util.MetricsLogger
}

func New(sampler Sampler, pusher *Pusher, interval time.Duration, logger *util.MetricsLogger) *Collector {
	return &Collector{sampler: sampler, pusher: pusher, interval: interval, logger: logger}
}

// Once samples and pushes a single payload.
func (c *Collector) Once(ctx context.Context) (domain.IngestResult, error) {
	payload, err := c.sampler.Sample(ctx)
	if err != nil {
		return domain.IngestResult{}, err
	}
	return c.pusher.Push(ctx, payload)
}

// Run pushes a sample every interval until ctx is cancelled. A failed cycle
// is logged and the loop carries on.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.LogEvent(util.LOG_LEVEL_INFO, "collector: sending to ", c.pusher.url, " every ", c.interval)

	for {
		result, err := c.Once(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.LogEvent(util.LOG_LEVEL_ERROR, "Collection cycle failed. Err - ", err)
		} else {
			c.logger.LogEvent(util.LOG_LEVEL_DEBUG, "sent -> host rows ", result.InsertedHostMetrics, " process rows ", result.InsertedProcessMetrics)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func stringTags(tags map[string]string) map[string]any {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]any, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
