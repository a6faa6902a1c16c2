package frame

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/shared/id"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
	"github.com/GriffinCanCode/proxyframe/internal/shared/utils"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

var (
	// ErrUnknownFrame is returned for ids that are not in the registry
	ErrUnknownFrame = errors.New("unknown frame")
	// ErrControllerClosed is returned once Close has run
	ErrControllerClosed = errors.New("controller closed")
)

// Transport is the external fetch capability navigation drives
type Transport interface {
	// Init prepares the transport. It is idempotent and its first outcome sticks.
	Init() error
	// ForFrame returns a fetcher whose connections belong to frameID
	ForFrame(frameID string) transport.Fetcher
	// Reset drops frameID's connections
	Reset(frameID string)
}

// Config wires a Controller
type Config struct {
	Transport  Transport
	Channel    *rpc.Channel
	Registry   *Registry
	Storage    *Synchronizer
	Containers ContainerFactory
	Logger     *zap.Logger
	Metrics    *monitoring.Metrics
}

// Controller drives navigation for every frame in its registry
type Controller struct {
	transport  Transport
	channel    *rpc.Channel
	registry   *Registry
	storage    *Synchronizer
	containers ContainerFactory
	log        *zap.Logger
	metrics    *monitoring.Metrics

	// reloads requested by content outlive the call that asked for them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller and registers the navigate,
// local_storage and network-report handlers on cfg.Channel.
func NewController(cfg Config) *Controller {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Storage == nil {
		cfg.Storage = NewSynchronizer(nil, cfg.Logger, cfg.Metrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		transport:  cfg.Transport,
		channel:    cfg.Channel,
		registry:   cfg.Registry,
		storage:    cfg.Storage,
		containers: cfg.Containers,
		log:        logging.OrNop(cfg.Logger).Named("controller"),
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
	}

	c.channel.Handle(types.ChannelNavigate, rpc.Typed(c.handleNavigate))
	c.channel.Handle(types.ChannelLocalStorage, rpc.Typed(c.handleLocalStorage))
	c.channel.Handle(types.ChannelNetworkReport, rpc.Typed(c.handleNetworkReport))
	return c
}

// Registry returns the frames this controller serves
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Storage returns the localStorage synchronizer
func (c *Controller) Storage() *Synchronizer {
	return c.storage
}

// ProtocolVersion is the version stamped on every page push
func (c *Controller) ProtocolVersion() string {
	return types.ProtocolVersion
}

// Create builds a frame with a fresh id and container and registers it
func (c *Controller) Create(cb Callbacks) (*Frame, error) {
	if c.ctx.Err() != nil {
		return nil, ErrControllerClosed
	}

	frameID := id.NewFrameID().String()
	container, err := c.containers(frameID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	f := New(frameID, container)
	f.SetCallbacks(cb)
	if !c.registry.Add(f) {
		container.Close()
		return nil, fmt.Errorf("frame id %s already registered", frameID)
	}

	c.log.Info("frame created", logging.Frame(frameID))
	return f, nil
}

// Get looks a frame up by id
func (c *Controller) Get(frameID string) (*Frame, error) {
	f, ok := c.registry.Get(frameID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", frameID, ErrUnknownFrame)
	}
	return f, nil
}

// Navigate loads rawURL into f. Only an invalid URL or a transport that
// fails to initialize is returned; fetch and push failures end up in the
// sandbox's error page or in f.LastError.
func (c *Controller) Navigate(ctx context.Context, f *Frame, rawURL string) error {
	if err := c.transport.Init(); err != nil {
		return err
	}

	target, err := utils.ParseTargetURL(rawURL)
	if err != nil {
		return types.NewError(types.KindInvalidURL, "navigate", err)
	}

	f.nav.Lock()
	defer f.nav.Unlock()

	start := time.Now()
	log := c.log.With(logging.Frame(f.ID))
	log.Info("navigating", zap.String("url", target.String()))

	f.begin(target)
	c.transport.Reset(f.ID)

	var (
		html     *string
		fetchErr string
		final    = target
		loadErr  error
	)

	var g errgroup.Group
	g.Go(func() error {
		loadErr = f.container.Load(ctx)
		return nil
	})
	g.Go(func() error {
		resp, err := c.transport.ForFrame(f.ID).Fetch(ctx, target.String())
		if err != nil {
			fetchErr = errorText(err)
			log.Warn("document fetch failed", zap.String("url", target.String()), zap.Error(err))
			return nil
		}
		body := resp.Body()
		html = &body
		if u, err := url.Parse(resp.URL); err == nil && u.IsAbs() {
			final = u
		}
		return nil
	})
	_ = g.Wait()

	if loadErr != nil {
		c.pushFailed(f, log, start, fmt.Errorf("container load: %w", loadErr))
		return nil
	}

	f.settle(final)

	load := types.PageLoad{
		URL:          final.String(),
		HTML:         html,
		FrameID:      f.ID,
		Error:        fetchErr,
		LocalStorage: c.storage.Entries(ctx, originOf(final)),
		Version:      types.ProtocolVersion,
	}

	ack, err := c.push(ctx, f, load)
	if err != nil {
		c.metrics.RecordPushFailure("first")
		log.Warn("page push failed, retrying with error", zap.Error(err))

		load.Error = errorText(err)
		load.LocalStorage = nil
		ack, err = c.push(ctx, f, load)
	}
	if err != nil {
		c.metrics.RecordPushFailure("retry")
		c.pushFailed(f, log, start, err)
		return nil
	}

	outcome := "ok"
	if ack.ErrorPage {
		outcome = "error_page"
	}
	c.metrics.RecordNavigation(outcome, time.Since(start))
	log.Info("page loaded",
		zap.String("url", final.String()),
		zap.String("title", ack.Title),
		zap.Bool("error_page", ack.ErrorPage),
		zap.Duration("duration", time.Since(start)))

	f.loaded(ack.Title)
	return nil
}

func (c *Controller) push(ctx context.Context, f *Frame, load types.PageLoad) (types.PageAck, error) {
	var ack types.PageAck
	err := c.channel.Call(ctx, f.ID, types.ChannelHTML, load, &ack)
	return ack, err
}

func (c *Controller) pushFailed(f *Frame, log *zap.Logger, start time.Time, cause error) {
	err := types.NewError(types.KindSandboxPushFailure, "navigate", cause)
	c.metrics.RecordNavigation("push_failure", time.Since(start))
	log.Error("page push failed", zap.Error(err))
	f.failed(err)
}

// Favicon asks the sandbox for the loaded document's icon URL
func (c *Controller) Favicon(ctx context.Context, f *Frame) (string, error) {
	var res types.FaviconResult
	if err := c.channel.Call(ctx, f.ID, types.ChannelFavicon, struct{}{}, &res); err != nil {
		return "", err
	}
	return res.URL, nil
}

// Eval runs script in the frame's page and returns its settled value
func (c *Controller) Eval(ctx context.Context, f *Frame, script string) (*types.EvalResult, error) {
	var res types.EvalResult
	if err := c.channel.Call(ctx, f.ID, types.ChannelEval, types.EvalArgs{Script: script}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Destroy removes a frame and tears its container down. Traffic still in
// flight for it is dropped by the channel's accept filter.
func (c *Controller) Destroy(frameID string) error {
	f, ok := c.registry.Remove(frameID)
	if !ok {
		return fmt.Errorf("%s: %w", frameID, ErrUnknownFrame)
	}

	err := f.container.Close()
	c.transport.Reset(frameID)
	f.close()

	c.log.Info("frame destroyed", logging.Frame(frameID))
	return err
}

// Close destroys every frame and waits for pending reloads to finish
func (c *Controller) Close() {
	c.cancel()
	for _, f := range c.registry.List() {
		if err := c.Destroy(f.ID); err != nil {
			c.log.Warn("frame teardown failed", logging.Frame(f.ID), zap.Error(err))
		}
	}
	c.wg.Wait()
}

// handleNavigate serves content-initiated navigation. The frame is the one
// the message arrived from; unknown frames are ignored.
func (c *Controller) handleNavigate(ctx context.Context, frameID string, args types.NavigateArgs) (interface{}, error) {
	f, ok := c.registry.Get(frameID)
	if !ok {
		c.log.Debug("navigate for unknown frame", logging.Frame(frameID))
		return nil, nil
	}

	if args.Reload {
		if c.ctx.Err() != nil {
			return nil, ErrControllerClosed
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.Navigate(c.ctx, f, args.URL); err != nil {
				c.log.Warn("content navigation rejected",
					logging.Frame(frameID), zap.String("url", args.URL), zap.Error(err))
			}
		}()
		return nil, nil
	}

	u, err := utils.ParseTargetURL(args.URL)
	if err != nil {
		return nil, types.NewError(types.KindInvalidURL, "navigate", err)
	}
	f.changeURL(u)
	c.log.Debug("url changed", logging.Frame(frameID), zap.String("url", u.String()))
	return nil, nil
}

func (c *Controller) handleLocalStorage(ctx context.Context, frameID string, args types.LocalStorageArgs) (interface{}, error) {
	f, ok := c.registry.Get(frameID)
	if !ok {
		return nil, nil
	}
	if err := utils.ValidateStorageEntries(args.Entries); err != nil {
		c.log.Warn("rejecting local storage sync", logging.Frame(frameID), zap.Error(err))
		return nil, err
	}
	return nil, c.storage.Sync(ctx, f, args.Entries)
}

func (c *Controller) handleNetworkReport(ctx context.Context, frameID string, args types.NetworkReport) (interface{}, error) {
	c.log.Info("request observed with network disabled",
		logging.Frame(frameID), zap.String("url", args.URL))
	return nil, nil
}

// errorText is the message shown in the sandbox for a failure
func errorText(err error) string {
	var typed *types.Error
	if errors.As(err, &typed) && typed.Err != nil {
		return typed.Err.Error()
	}
	return err.Error()
}
