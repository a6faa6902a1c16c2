package netvirt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/cache"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

// Mode selects whether requests reach the transport
type Mode int

const (
	// Disabled reports requests instead of performing them
	Disabled Mode = iota
	// Enabled serves requests from the cache, falling back to the transport
	Enabled
)

func (m Mode) String() string {
	if m == Enabled {
		return "enabled"
	}
	return "disabled"
}

var (
	// ErrModeSealed is returned when the mode changes after scripts started
	ErrModeSealed = errors.New("network mode is sealed")
	// ErrCachedFailure replays a recorded failure without a new request
	ErrCachedFailure = errors.New("request previously failed")
	// ErrNetworkDisabled rejects requests made while network is disabled
	ErrNetworkDisabled = errors.New("network requests are disabled")
	// ErrNoBase is returned when resolving a relative reference without a document URL
	ErrNoBase = errors.New("relative url without a base")
)

// Reporter receives requests observed while the network is disabled
type Reporter interface {
	Report(ctx context.Context, frameID, url string) error
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ctx context.Context, frameID, url string) error

func (f ReporterFunc) Report(ctx context.Context, frameID, url string) error {
	return f(ctx, frameID, url)
}

// Config configures a Layer
type Config struct {
	FrameID  string
	Cache    *cache.Cache
	Fetcher  transport.Fetcher
	Reporter Reporter
	Logger   *zap.Logger
	Metrics  *monitoring.Metrics
}

// Layer mediates every sub-resource request made by one sandbox context
type Layer struct {
	frameID  string
	cache    *cache.Cache
	fetcher  transport.Fetcher
	reporter Reporter
	log      *zap.Logger
	metrics  *monitoring.Metrics

	mu     sync.RWMutex
	mode   Mode
	sealed bool
	base   *url.URL

	writes sync.WaitGroup
}

// New creates a layer in Disabled mode
func New(cfg Config) *Layer {
	c := cfg.Cache
	if c == nil {
		c = cache.New()
	}
	return &Layer{
		frameID:  cfg.FrameID,
		cache:    c,
		fetcher:  cfg.Fetcher,
		reporter: cfg.Reporter,
		log:      logging.OrNop(cfg.Logger).Named("netvirt").With(logging.Frame(cfg.FrameID)),
		metrics:  cfg.Metrics,
	}
}

func (l *Layer) FrameID() string     { return l.frameID }
func (l *Layer) Cache() *cache.Cache { return l.cache }

// Mode returns the current mode
func (l *Layer) Mode() Mode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode
}

// EnableNetwork switches to Enabled. It fails once the layer is sealed.
func (l *Layer) EnableNetwork() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return ErrModeSealed
	}
	l.mode = Enabled
	return nil
}

// Seal freezes the mode. Called before any page or worker script runs.
func (l *Layer) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

// SetBaseURL sets the document URL relative references resolve against
func (l *Layer) SetBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("base url: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("base url %q is not absolute", raw)
	}

	l.mu.Lock()
	l.base = u
	l.mu.Unlock()
	return nil
}

// BaseURL returns the document URL, or "" when unset
func (l *Layer) BaseURL() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.base == nil {
		return ""
	}
	return l.base.String()
}

// Resolve turns a reference into the absolute URL used as cache key
func (l *Layer) Resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", raw, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}

	l.mu.RLock()
	base := l.base
	l.mu.RUnlock()

	if base == nil {
		return "", fmt.Errorf("resolve %q: %w", raw, ErrNoBase)
	}
	return base.ResolveReference(ref).String(), nil
}

// Fetch performs one virtualized request. In Enabled mode the cache is
// consulted first; a miss goes to the transport and the result is written
// back asynchronously, so the cache may not reflect it yet when Fetch
// returns. A fetch abandoned by its caller leaves the URL absent. Hits
// replay with status 200 and the media type of the original response, or a
// sniffed one for seeded entries. In Disabled mode the request is reported
// and rejected.
func (l *Layer) Fetch(ctx context.Context, raw string) (*transport.Response, error) {
	target, err := l.Resolve(raw)
	if err != nil {
		return nil, err
	}

	if l.Mode() == Disabled {
		l.report(ctx, target)
		return nil, fmt.Errorf("%s: %w", target, ErrNetworkDisabled)
	}

	entry := l.cache.Get(target)
	switch entry.State {
	case cache.Hit:
		l.metrics.RecordCacheLookup("hit")
		return transport.NewResponse(200, target, hitType(entry), []byte(entry.Contents)), nil
	case cache.MissPermanent:
		l.metrics.RecordCacheLookup("miss_permanent")
		return nil, fmt.Errorf("%s: %w", target, ErrCachedFailure)
	}

	l.metrics.RecordCacheLookup("absent")
	l.log.Warn("cache miss, fetching live", zap.String("url", target))
	return l.live(ctx, target)
}

func (l *Layer) live(ctx context.Context, target string) (*transport.Response, error) {
	if l.fetcher == nil {
		return nil, fmt.Errorf("%s: no transport", target)
	}

	resp, err := l.fetcher.Fetch(ctx, target)

	l.writes.Add(1)
	go func() {
		defer l.writes.Done()
		if err != nil {
			// the caller gave up; the URL itself did not fail
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				l.log.Debug("fetch abandoned, not cached", zap.String("url", target), zap.Error(err))
				return
			}
			l.cache.PutFailure(target)
			return
		}
		l.cache.PutTyped(target, resp.Body(), resp.ContentType)
	}()

	return resp, err
}

func hitType(e cache.Entry) string {
	if e.ContentType != "" {
		return e.ContentType
	}
	return mimetype.Detect([]byte(e.Contents)).String()
}

// Background loads raw without blocking the caller; then, if non-nil,
// receives the outcome on another goroutine. In Disabled mode the request is
// reported, then fetched anyway for logging only and never cached.
func (l *Layer) Background(ctx context.Context, raw string, then func(*transport.Response, error)) {
	if then == nil {
		then = func(*transport.Response, error) {}
	}

	target, err := l.Resolve(raw)
	if err != nil {
		go then(nil, err)
		return
	}

	if l.Mode() == Enabled {
		go func() {
			then(l.Fetch(ctx, target))
		}()
		return
	}

	l.report(ctx, target)
	go func() {
		then(nil, fmt.Errorf("%s: %w", target, ErrNetworkDisabled))

		if l.fetcher == nil {
			return
		}
		resp, err := l.fetcher.Fetch(ctx, target)
		if err != nil {
			l.log.Debug("background fetch failed", zap.String("url", target), zap.Error(err))
			return
		}
		l.log.Debug("background fetch", zap.String("url", target), zap.Int("status", resp.Status), zap.Int("bytes", len(resp.Bytes())))
	}()
}

func (l *Layer) report(ctx context.Context, target string) {
	l.metrics.IncBlockedRequests()
	if l.reporter == nil {
		return
	}
	if err := l.reporter.Report(ctx, l.frameID, target); err != nil {
		l.log.Warn("request report failed", zap.String("url", target), zap.Error(err))
	}
}

// Wait blocks until every pending cache write has landed
func (l *Layer) Wait() {
	l.writes.Wait()
}
