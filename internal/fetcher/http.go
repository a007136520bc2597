package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplytree/internal/resilience"
)

// maxDocumentBytes caps a single design document download.
const maxDocumentBytes = 16 << 20

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RateLimiters map[string]*rate.Limiter
	// DefaultRate applies to hosts without an explicit limiter.
	DefaultRate  rate.Limit
	DefaultBurst int
	Retry        resilience.RetryConfig
	Breakers     *resilience.ServiceBreakers
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.set(a.Limit() * 1.2)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	newRate := a.set(a.Limit() * 0.5)
	zap.L().Warn("fetcher: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

func (a *AdaptiveLimiter) set(r rate.Limit) rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	r = min(max(r, a.minRate), a.maxRate)
	a.currentRate = r
	a.limiter.SetLimit(r)
	return r
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with per-host adaptive rate
// limiting, retry on transient failures and a per-host circuit breaker.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "supplytree/1.0"
	}
	if opts.DefaultRate == 0 {
		opts.DefaultRate = 10
	}
	if opts.DefaultBurst == 0 {
		opts.DefaultBurst = 10
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
		opts.Retry.MaxAttempts = opts.MaxRetries
	}
	if opts.Breakers == nil {
		cbCfg := resilience.DefaultCircuitBreakerConfig()
		cbCfg.ShouldTrip = resilience.IsTransient
		opts.Breakers = resilience.NewServiceBreakers(cbCfg)
	}

	limiters := make(map[string]*AdaptiveLimiter, len(opts.RateLimiters))
	for host, lim := range opts.RateLimiters {
		limiters[host] = NewAdaptiveLimiter(lim.Limit(), lim.Burst())
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: limiters,
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(f.opts.DefaultRate, f.opts.DefaultBurst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch downloads the URL in full.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("fetcher: invalid url %q", rawURL)
	}
	lim := f.limiterFor(u.Host)
	breaker := f.opts.Breakers.Get(u.Host)

	retry := f.opts.Retry
	retry.OnRetry = resilience.RetryLogger("fetcher", u.Host)

	doc, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Document, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*Document, error) {
			return f.once(ctx, lim, rawURL)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
	}
	return doc, nil
}

func (f *HTTPFetcher) once(ctx context.Context, lim *AdaptiveLimiter, rawURL string) (*Document, error) {
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json, application/yaml, text/yaml;q=0.9, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit()
		return nil, resilience.NewTransientError(eris.Errorf("http 429 from %s", rawURL), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read body"), 0)
	}
	if len(body) > maxDocumentBytes {
		return nil, eris.Errorf("document exceeds %d bytes", maxDocumentBytes)
	}
	lim.OnSuccess()

	return &Document{
		URL:         rawURL,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
	}, nil
}
