package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
)

// Config configures the Client
type Config struct {
	Timeout      time.Duration
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RPS limits requests per second across all frames; zero is unlimited
	RPS       float64
	UserAgent string
	// Blocklist holds doublestar patterns matched against host+path;
	// matching URLs are never fetched
	Blocklist []string
	Breaker   resilience.Settings
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		Retries:      2,
		RetryWaitMin: 250 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		RPS:          20,
		UserAgent:    "proxyframe/1.0",
		Breaker:      resilience.DefaultSettings(),
	}
}

func (c Config) validate() error {
	switch {
	case c.Timeout < 0:
		return fmt.Errorf("negative timeout %s", c.Timeout)
	case c.Retries < 0:
		return fmt.Errorf("negative retry count %d", c.Retries)
	case c.RPS < 0:
		return fmt.Errorf("negative rate %g", c.RPS)
	case c.RetryWaitMax < c.RetryWaitMin:
		return fmt.Errorf("retry wait max %s below min %s", c.RetryWaitMax, c.RetryWaitMin)
	}
	for _, pattern := range c.Blocklist {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("blocklist pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
	}
	return nil
}

// pool is one frame's connection set
type pool struct {
	retry *retryablehttp.Client
	resty *resty.Client
}

// Client is the host's external transport
type Client struct {
	cfg     Config
	log     *zap.Logger
	metrics *monitoring.Metrics

	once     sync.Once
	initErr  error
	limiter  *rate.Limiter
	breakers *resilience.Set

	mu    sync.Mutex
	pools map[string]*pool
}

// New creates an uninitialized client
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		log:     logging.OrNop(cfg.Logger).Named("transport"),
		metrics: cfg.Metrics,
		pools:   make(map[string]*pool),
	}
}

// Init validates configuration and prepares shared state. Safe to call
// from any number of goroutines; the first call decides the outcome.
func (c *Client) Init() error {
	c.once.Do(func() {
		if err := c.cfg.validate(); err != nil {
			c.initErr = types.NewError(types.KindTransportFailure, "init", err)
			return
		}

		limit := rate.Inf
		burst := 0
		if c.cfg.RPS > 0 {
			limit = rate.Limit(c.cfg.RPS)
			burst = max(1, int(c.cfg.RPS))
		}
		c.limiter = rate.NewLimiter(limit, burst)

		settings := c.cfg.Breaker
		onChange := settings.OnStateChange
		settings.OnStateChange = func(host string, from, to resilience.State) {
			c.log.Warn("circuit breaker state change",
				zap.String("host", host), zap.Stringer("from", from), zap.Stringer("to", to))
			if onChange != nil {
				onChange(host, from, to)
			}
		}
		c.breakers = resilience.NewSet(settings)

		c.log.Debug("transport initialized",
			zap.Duration("timeout", c.cfg.Timeout), zap.Int("retries", c.cfg.Retries), zap.Float64("rps", c.cfg.RPS))
	})
	return c.initErr
}

func (c *Client) newPool() *pool {
	retry := retryablehttp.NewClient()
	retry.RetryMax = c.cfg.Retries
	retry.RetryWaitMin = c.cfg.RetryWaitMin
	retry.RetryWaitMax = c.cfg.RetryWaitMax
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retry.Logger = retryLogger{s: c.log.Sugar()}

	r := resty.NewWithClient(retry.StandardClient())
	r.SetTimeout(c.cfg.Timeout)
	if c.cfg.UserAgent != "" {
		r.SetHeader("User-Agent", c.cfg.UserAgent)
	}
	r.SetHeader("Accept-Encoding", AcceptEncoding)
	r.SetResponseBodyLimit(MaxBodySize)
	return &pool{retry: retry, resty: r}
}

func (c *Client) poolFor(frameID string) *pool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[frameID]
	if !ok {
		p = c.newPool()
		c.pools[frameID] = p
	}
	return p
}

// ForFrame returns a Fetcher whose connections belong to frameID
func (c *Client) ForFrame(frameID string) Fetcher {
	return FetcherFunc(func(ctx context.Context, raw string) (*Response, error) {
		return c.fetch(ctx, frameID, raw)
	})
}

// Fetch uses the shared, frameless pool
func (c *Client) Fetch(ctx context.Context, raw string) (*Response, error) {
	return c.fetch(ctx, "", raw)
}

// Reset closes frameID's idle connections; the next fetch opens new ones
func (c *Client) Reset(frameID string) {
	c.mu.Lock()
	p, ok := c.pools[frameID]
	delete(c.pools, frameID)
	c.mu.Unlock()

	if ok {
		p.retry.HTTPClient.CloseIdleConnections()
		c.log.Debug("connections reset", logging.Frame(frameID))
	}
}

// Close drops every pool
func (c *Client) Close() {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*pool)
	c.mu.Unlock()

	for _, p := range pools {
		p.retry.HTTPClient.CloseIdleConnections()
	}
}

// Breakers exposes per-host breaker states
func (c *Client) Breakers() map[string]resilience.State {
	if c.Init() != nil {
		return nil
	}
	return c.breakers.States()
}

func (c *Client) fetch(ctx context.Context, frameID, raw string) (*Response, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.NewError(types.KindTransportFailure, "fetch", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, types.NewError(types.KindTransportFailure, "fetch", fmt.Errorf("%q: %w", u.Scheme, ErrUnsupportedScheme))
	}

	if c.blocked(u) {
		c.metrics.RecordTransportFetch("blocked")
		return nil, types.NewError(types.KindTransportFailure, "fetch", fmt.Errorf("%s: %w", u.Host, ErrBlocked))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.RecordTransportFetch("rate_limited")
		return nil, types.NewError(types.KindTransportFailure, "fetch", fmt.Errorf("rate limit: %w", err))
	}

	done, err := c.breakers.Get(u.Host).Allow()
	if err != nil {
		c.metrics.RecordTransportFetch("circuit_open")
		return nil, types.NewError(types.KindTransportFailure, "fetch", fmt.Errorf("%s: %w", u.Host, err))
	}

	resp, err := c.poolFor(frameID).resty.R().SetContext(ctx).Get(u.String())
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		done(true)
		c.metrics.RecordTransportFetch("too_large")
		return nil, types.NewError(types.KindTransportFailure, "fetch", fmt.Errorf("%s: %w", raw, ErrBodyTooLarge))
	}
	if err != nil {
		// cancellation says nothing about the upstream
		done(errors.Is(err, context.Canceled))
		c.metrics.RecordTransportFetch("error")
		c.log.Debug("fetch failed", logging.Frame(frameID), zap.String("url", raw), zap.Error(err))
		return nil, types.NewError(types.KindTransportFailure, "fetch", err)
	}
	done(resp.StatusCode() < 500)

	final := u.String()
	if rr := resp.RawResponse; rr != nil && rr.Request != nil && rr.Request.URL != nil {
		final = rr.Request.URL.String()
	}

	body, err := decodeContent(resp.Header().Get("Content-Encoding"), resp.Body())
	if err != nil {
		c.metrics.RecordTransportFetch("decode_error")
		return nil, types.NewError(types.KindTransportFailure, "fetch", err)
	}
	if len(body) > MaxBodySize {
		c.metrics.RecordTransportFetch("too_large")
		return nil, types.NewError(types.KindTransportFailure, "fetch", fmt.Errorf("%s: %w", raw, ErrBodyTooLarge))
	}
	body, contentType := toUTF8(sniffType(resp.Header().Get("Content-Type"), body), body)

	status := "ok"
	if resp.StatusCode() >= 400 {
		status = "http_error"
	}
	c.metrics.RecordTransportFetch(status)

	return &Response{
		Status:      resp.StatusCode(),
		URL:         final,
		ContentType: contentType,
		body:        body,
	}, nil
}

func (c *Client) blocked(u *url.URL) bool {
	target := u.Hostname() + u.EscapedPath()
	for _, pattern := range c.cfg.Blocklist {
		if ok, _ := doublestar.Match(pattern, target); ok {
			return true
		}
	}
	return false
}
