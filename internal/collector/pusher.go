package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/util"
)

// StatusError is a non-200 answer from the ingest endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same payload may succeed on a later attempt.
// Redelivery is safe because the store skips rows it already holds.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusRequestTimeout
}

type PusherOptions struct {
	URL      string
	Token    string
	Timeout  time.Duration
	Attempts uint
	Delay    time.Duration
}

type Pusher struct {
	client   *http.Client
	url      string
	token    string
	timeout  time.Duration
	attempts uint
	delay    time.Duration
	logger   *util.MetricsLogger
}

func NewPusher(opts PusherOptions, client *http.Client, logger *util.MetricsLogger) *Pusher {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &Pusher{
		client:   client,
		url:      opts.URL,
		token:    opts.Token,
		timeout:  opts.Timeout,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		logger:   logger,
	}
}

// Push posts payload and decodes the ingest result. Transport errors and
// 5xx answers are retried; any other status fails immediately.
func (p *Pusher) Push(ctx context.Context, payload domain.IngestPayload) (domain.IngestResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.IngestResult{}, errors.Wrap(err, "encode payload")
	}

	var result domain.IngestResult
	err = retry.Do(
		func() error {
			var err error
			result, err = p.post(ctx, body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			p.logger.LogEvent(util.LOG_LEVEL_WARN, "Push attempt ", n+1, " failed. Err - ", err)
		}),
	)
	return result, err
}

func (p *Pusher) post(ctx context.Context, body []byte) (domain.IngestResult, error) {
	var result domain.IngestResult

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return result, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return result, errors.Wrap(err, "post")
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return result, errors.Wrap(err, "read response")
	}
	if res.StatusCode != http.StatusOK {
		return result, &StatusError{StatusCode: res.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, errors.Wrap(err, "decode response")
	}
	return result, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
