// Package remote downloads configuration documents (chain lists, type
// definitions) over HTTP.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chain-registry-go/internal/limiter"
	"chain-registry-go/internal/metrics"

	"github.com/avast/retry-go/v4"
)

// ErrStatus is returned for non-2xx responses.
var ErrStatus = errors.New("unexpected http status")

// maxBodySize caps a single download; metadata-sized type bundles stay well below it.
const maxBodySize = 32 << 20

type Fetcher interface {
	Fetch(ctx context.Context, target, url string) ([]byte, error)
}

type Options struct {
	Timeout  time.Duration
	Attempts uint
	Delay    time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:  30 * time.Second,
		Attempts: 4,
		Delay:    500 * time.Millisecond,
	}
}

// HTTPFetcher is rate limited and retries transient failures. 4xx answers
// are not retried.
type HTTPFetcher struct {
	client  *http.Client
	limiter *limiter.RateLimiter
	opts    Options
}

func NewHTTPFetcher(rl *limiter.RateLimiter, opts Options) *HTTPFetcher {
	if rl == nil {
		rl = limiter.Unlimited()
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rl,
		opts:    opts,
	}
}

// Fetch downloads url. target labels the request in metrics and logs
// ("chains", "assets", "types:<chain>").
func (f *HTTPFetcher) Fetch(ctx context.Context, target, url string) ([]byte, error) {
	body, err := retry.DoWithData(
		func() ([]byte, error) {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, retry.Unrecoverable(err)
			}
			return f.get(ctx, url)
		},
		retry.Context(ctx),
		retry.Attempts(f.opts.Attempts),
		retry.Delay(f.opts.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			slog.Debug("remote_fetch_retry",
				slog.String("target", target),
				slog.Uint64("attempt", uint64(attempt)+1),
				slog.String("error", err.Error()),
			)
		}),
	)
	metrics.GetMetrics().RecordRemoteFetch(metricTarget(target), err == nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %d from %s", ErrStatus, resp.StatusCode, url)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

// metricTarget keeps label cardinality bounded: per-chain targets collapse
// to their prefix.
func metricTarget(target string) string {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			return target[:i]
		}
	}
	return target
}
