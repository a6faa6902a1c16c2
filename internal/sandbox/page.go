package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/netvirt"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
	"github.com/GriffinCanCode/proxyframe/internal/worker"
)

// Page is the sandbox side of one frame. It serves the html, favicon and
// eval channels and runs the pushed document's scripts.
type Page struct {
	frameID string
	cfg     Config
	fetcher transport.Fetcher
	spawner worker.Spawner
	channel *rpc.Channel
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	rt      *Runtime
	scope   *Scope
	dom     *DOM
	storage *Storage
}

// NewPage creates the sandbox side of frameID over conn. Sub-resources are
// fetched through fetcher; workers run in spawner, or in native runtimes
// when spawner is nil.
func NewPage(frameID string, conn rpc.Conn, fetcher transport.Fetcher, spawner worker.Spawner, cfg Config) *Page {
	cfg = cfg.withDefaults()
	log := logging.OrNop(cfg.Logger).Named("page").With(logging.Frame(frameID))

	ctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		frameID: frameID,
		cfg:     cfg,
		fetcher: fetcher,
		spawner: spawner,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	if p.spawner == nil {
		p.spawner = NewNativeSpawner(cfg, fetcher).WithReporter(netvirt.ReporterFunc(p.report))
	}

	p.channel = rpc.NewChannel(conn, rpc.Config{
		Accept:  func(id string) bool { return id == frameID },
		Logger:  log,
		Metrics: cfg.Metrics,
	})
	p.channel.Handle(types.ChannelHTML, rpc.Typed(p.handleLoad))
	p.channel.Handle(types.ChannelFavicon, rpc.Typed(p.handleFavicon))
	p.channel.Handle(types.ChannelEval, rpc.Typed(p.handleEval))

	return p
}

// Serve dispatches host traffic until the page is closed or conn goes away
func (p *Page) Serve() error {
	return p.channel.Serve(p.ctx)
}

// Close tears down the document and every worker it started
func (p *Page) Close() {
	p.cancel()

	p.mu.Lock()
	scope, rt := p.scope, p.rt
	p.mu.Unlock()

	if scope != nil {
		scope.Close()
	}
	if rt != nil {
		rt.Close()
	}
}

// Document returns the loaded document, or nil before a page load
func (p *Page) Document() *DOM {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dom
}

// Storage returns the page's localStorage, or nil before a page load
func (p *Page) Storage() *Storage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storage
}

// Runtime returns the page's runtime, or nil before a page load
func (p *Page) Runtime() *Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rt
}

func (p *Page) notify(ctx context.Context, channel string, args interface{}) error {
	return p.channel.Notify(ctx, p.frameID, channel, args)
}

func (p *Page) handleLoad(ctx context.Context, frameID string, load types.PageLoad) (interface{}, error) {
	if load.Error != "" {
		return p.renderError(load)
	}
	if load.Version != types.ProtocolVersion {
		return nil, fmt.Errorf("protocol version mismatch: host %q, sandbox %q", load.Version, types.ProtocolVersion)
	}

	base, err := url.Parse(load.URL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("page url %q is not absolute", load.URL)
	}

	var source string
	if load.HTML != nil {
		source = *load.HTML
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	redirects := RewriteMeta(doc, base)

	scope, err := p.boot(ctx, load, doc, true)
	if err != nil {
		return nil, err
	}

	for _, r := range redirects {
		target := r.URL
		scope.rt.After(r.Delay, func(*goja.Runtime) {
			scope.notifyHost(types.ChannelNavigate, types.NavigateArgs{FrameID: p.frameID, URL: target, Reload: true})
		})
	}

	doc.Find(`link[rel~="preload"][href], link[rel~="prefetch"][href]`).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		scope.layer.Background(p.ctx, href, nil)
	})

	scripts := p.runScripts(ctx, scope, doc)

	scope.rt.Post(func(vm *goja.Runtime) {
		scope.dispatch(vm, "DOMContentLoaded", newEvent(vm, "DOMContentLoaded", nil))
		scope.dispatch(vm, "load", newEvent(vm, "load", nil))
	})

	p.log.Info("page loaded",
		zap.String("url", load.URL),
		zap.Int("scripts", scripts),
		zap.Int("redirects", len(redirects)))

	return types.PageAck{
		Title:     p.Document().Title(),
		Scripts:   scripts,
		Redirects: len(redirects),
	}, nil
}

// boot replaces the page's runtime with a fresh one for doc
func (p *Page) boot(ctx context.Context, load types.PageLoad, doc *goquery.Document, network bool) (*Scope, error) {
	p.mu.Lock()
	oldScope, oldRT := p.scope, p.rt
	p.mu.Unlock()
	if oldScope != nil {
		oldScope.Close()
	}
	if oldRT != nil {
		oldRT.Close()
	}

	rt := NewRuntime(p.cfg, p.log)
	rt.OnError(func(err error) {
		rt.record("error", "Uncaught "+errorMessage(err))
	})

	layer := netvirt.New(netvirt.Config{
		FrameID:  p.frameID,
		Fetcher:  p.fetcher,
		Reporter: netvirt.ReporterFunc(p.report),
		Logger:   p.log,
		Metrics:  p.cfg.Metrics,
	})
	if err := layer.SetBaseURL(load.URL); err != nil {
		rt.Close()
		return nil, err
	}
	if network {
		if err := layer.EnableNetwork(); err != nil {
			rt.Close()
			return nil, err
		}
	}
	layer.Seal()

	scope, err := newScope(p.ctx, rt, p.cfg, scopeOptions{
		kind:    pageScope,
		frameID: p.frameID,
		layer:   layer,
		spawner: p.spawner,
		notify:  p.notify,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	dom := NewDOM(doc)
	storage := NewStorage(load.LocalStorage, func(entries map[string]string) {
		scope.notifyHost(types.ChannelLocalStorage, types.LocalStorageArgs{FrameID: p.frameID, Entries: entries})
	})

	err = rt.Do(ctx, func(vm *goja.Runtime) error {
		if err := vm.Set("document", dom.object(vm, layer.BaseURL)); err != nil {
			return err
		}
		if err := vm.Set("localStorage", storage.object(vm)); err != nil {
			return err
		}
		return vm.Set("window", vm.GlobalObject())
	})
	if err != nil {
		scope.Close()
		rt.Close()
		return nil, err
	}

	p.mu.Lock()
	p.rt, p.scope, p.dom, p.storage = rt, scope, dom, storage
	p.mu.Unlock()

	return scope, nil
}

func (p *Page) report(ctx context.Context, frameID, target string) error {
	return p.notify(ctx, types.ChannelNetworkReport, types.NetworkReport{FrameID: frameID, URL: target})
}

// runScripts executes the document's classic scripts in order. A failing
// script is logged to the console and does not stop the ones after it.
func (p *Page) runScripts(ctx context.Context, scope *Scope, doc *goquery.Document) int {
	ran := 0
	doc.Find("script").Each(func(i int, el *goquery.Selection) {
		if !isClassicScript(el) {
			return
		}

		name := fmt.Sprintf("%s#script%d", scope.layer.BaseURL(), i)
		src := el.Text()
		if ref, ok := el.Attr("src"); ok {
			resp, err := scope.layer.Fetch(ctx, ref)
			if err != nil {
				scope.rt.record("error", fmt.Sprintf("failed to load script %s: %v", ref, err))
				return
			}
			name, src = resp.URL, resp.Body()
		}

		ran++
		if _, err := scope.rt.Run(ctx, name, src); err != nil {
			scope.rt.record("error", "Uncaught "+errorMessage(err))
		}
	})
	return ran
}

func isClassicScript(el *goquery.Selection) bool {
	typ, ok := el.Attr("type")
	if !ok {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "text/javascript", "application/javascript", "text/ecmascript", "application/ecmascript":
		return true
	}
	return false
}

// errorPolicy reduces upstream error text to escaped plain text
var errorPolicy = bluemonday.StrictPolicy()

// renderError replaces the document with an error page. No scripts run
// and the network stays disabled.
func (p *Page) renderError(load types.PageLoad) (interface{}, error) {
	page := fmt.Sprintf(`<!DOCTYPE html><html><head><title>Error</title></head><body>
<div id="error_div"><h2>An unexpected error has occurred</h2>
<pre id="error_msg">%s</pre>
<p><i><span id="version_text">proxyframe v%s</span></i></p></div>
</body></html>`, errorPolicy.Sanitize(load.Error), errorPolicy.Sanitize(load.Version))

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	if load.URL == "" {
		load.URL = "about:blank"
	}
	if _, err := url.Parse(load.URL); err != nil {
		load.URL = "about:blank"
	}
	if _, err := p.boot(p.ctx, load, doc, false); err != nil {
		return nil, err
	}

	p.log.Warn("error page rendered", zap.String("url", load.URL), zap.String("error", load.Error))
	return types.PageAck{Title: "Error", ErrorPage: true}, nil
}

// iconXPath matches the first link whose rel tokens contain "icon" in any case
const iconXPath = `//link[@href != ''][contains(concat(' ', translate(normalize-space(@rel), 'ICON', 'icon'), ' '), ' icon ')]`

func (p *Page) handleFavicon(ctx context.Context, frameID string, _ struct{}) (interface{}, error) {
	p.mu.Lock()
	dom, scope := p.dom, p.scope
	p.mu.Unlock()
	if dom == nil {
		return nil, ErrNoDocument
	}

	href := "/favicon.ico"
	if v, ok, err := dom.XPathAttr(iconXPath, "href"); err != nil {
		return nil, err
	} else if ok {
		href = v
	}

	resolved, err := scope.layer.Resolve(href)
	if err != nil {
		return nil, err
	}
	return types.FaviconResult{URL: resolved}, nil
}

func (p *Page) handleEval(ctx context.Context, frameID string, args types.EvalArgs) (interface{}, error) {
	rt := p.Runtime()
	if rt == nil {
		return nil, ErrNoDocument
	}

	res, err := rt.Eval(ctx, args.Script)
	if err != nil {
		return nil, fmt.Errorf("eval: %s", errorMessage(err))
	}

	out := types.EvalResult{Value: res.Value, DurationMS: res.Duration.Milliseconds()}
	for _, e := range res.Console {
		out.Console = append(out.Console, types.ConsoleEntry{Level: e.Level, Message: e.Message})
	}
	return out, nil
}
