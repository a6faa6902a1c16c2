package sandbox

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

// Container hosts a frame's sandbox in-process. Every Load replaces the
// page with a fresh one and attaches it to the hub under the frame's id.
type Container struct {
	frameID string
	hub     *rpc.Hub
	fetcher transport.Fetcher
	cfg     Config
	log     *zap.Logger

	mu     sync.Mutex
	page   *Page
	closed bool
}

// NewContainer creates an empty container; Load boots its first page
func NewContainer(frameID string, hub *rpc.Hub, fetcher transport.Fetcher, cfg Config) *Container {
	return &Container{
		frameID: frameID,
		hub:     hub,
		fetcher: fetcher,
		cfg:     cfg,
		log:     logging.OrNop(cfg.Logger).Named("container").With(logging.Frame(frameID)),
	}
}

// Load discards the current sandbox and boots a fresh one. It returns once
// the new page is attached and can take a document push.
func (c *Container) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.page != nil {
		c.page.Close()
	}

	host, guest := rpc.Pipe()
	page := NewPage(c.frameID, guest, c.fetcher, nil, c.cfg)
	c.page = page

	go func() {
		if err := page.Serve(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("page stopped", zap.Error(err))
		}
	}()
	c.hub.Attach(c.frameID, host)

	c.log.Debug("sandbox booted")
	return nil
}

// Page returns the current page, or nil before the first Load
func (c *Container) Page() *Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// Close tears the sandbox down and detaches it from the hub
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.page != nil {
		c.page.Close()
		c.page = nil
	}
	c.hub.Detach(c.frameID)
	return nil
}
