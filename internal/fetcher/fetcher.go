package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"relayer-monitor/internal/config"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/version"
)

// Auth carries decrypted source credentials.
type Auth struct {
	Mode     string
	Username string
	Password string
	Token    string
}

// Request describes one logical fetch.
type Request struct {
	URL     string
	Auth    Auth
	Timeout time.Duration
}

// MetricsFetcher retrieves raw metric payloads.
type MetricsFetcher interface {
	FetchRaw(ctx context.Context, req Request) (string, error)
	Ping(ctx context.Context, url string) error
}

// Options parameterise the HTTP fetcher.
type Options struct {
	Timeout          time.Duration
	TimeoutSteps     []int
	MaxResponseBytes int64
}

// OptionsFromConfig maps runtime settings onto Options.
func OptionsFromConfig(cfg config.FetcherConfig) Options {
	return Options{
		Timeout:          cfg.Timeout,
		TimeoutSteps:     cfg.TimeoutSteps,
		MaxResponseBytes: cfg.MaxResponseBytes,
	}
}

// HTTPFetcher fetches metrics over HTTP with escalating timeouts.
type HTTPFetcher struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
}

var _ MetricsFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher constructs a fetcher. Per-attempt deadlines come from the
// request context, so the client itself carries no timeout.
func NewHTTPFetcher(opts Options, logger zerolog.Logger) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if len(opts.TimeoutSteps) == 0 {
		opts.TimeoutSteps = []int{1, 2, 3}
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 16 << 20
	}
	return &HTTPFetcher{
		opts:   opts,
		logger: logging.Component(logger, "fetcher"),
		client: &http.Client{},
	}
}

// Budgets returns the per-attempt timeouts for a base timeout.
func (f *HTTPFetcher) Budgets(base time.Duration) []time.Duration {
	if base <= 0 {
		base = f.opts.Timeout
	}
	out := make([]time.Duration, 0, len(f.opts.TimeoutSteps))
	for _, step := range f.opts.TimeoutSteps {
		out = append(out, base*time.Duration(step))
	}
	return out
}

// FetchRaw retrieves the payload at req.URL. A timed-out attempt is retried
// with the next, larger budget; any other failure returns immediately.
func (f *HTTPFetcher) FetchRaw(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for i, budget := range f.Budgets(req.Timeout) {
		body, err := f.attempt(ctx, req, budget)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
		if !errors.Is(err, ErrTimeout) {
			return "", err
		}
		f.logger.Debug().
			Str("url", req.URL).
			Int("attempt", i+1).
			Dur("budget", budget).
			Msg("metrics fetch timed out, escalating budget")
	}
	return "", lastErr
}

func (f *HTTPFetcher) attempt(ctx context.Context, req Request, budget time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", &FetchError{Kind: KindMalformed, URL: req.URL, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Accept", "text/plain, application/json;q=0.9, */*;q=0.5")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	applyAuth(httpReq, req.Auth)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", classifyTransport(req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &FetchError{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, URL: req.URL, Err: ErrHTTPStatus}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxResponseBytes+1))
	if err != nil {
		if isTimeout(err) {
			return "", &FetchError{Kind: KindTimeout, URL: req.URL, Err: err}
		}
		return "", &FetchError{Kind: KindMalformed, URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(payload)) > f.opts.MaxResponseBytes {
		return "", &FetchError{Kind: KindMalformed, URL: req.URL, Err: fmt.Errorf("response exceeds %d bytes", f.opts.MaxResponseBytes)}
	}
	return string(payload), nil
}

// Ping checks that url answers with any HTTP status below 500.
func (f *HTTPFetcher) Ping(ctx context.Context, url string) error {
	pingCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{Kind: KindMalformed, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := f.client.Do(req)
	if err != nil {
		return classifyTransport(url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &FetchError{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, URL: url, Err: ErrHTTPStatus}
	}
	return nil
}

func applyAuth(req *http.Request, auth Auth) {
	switch strings.ToLower(auth.Mode) {
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "bearer":
		if auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+auth.Token)
		}
	}
}
