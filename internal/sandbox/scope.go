package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/cache"
	"github.com/GriffinCanCode/proxyframe/internal/netvirt"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
	"github.com/GriffinCanCode/proxyframe/internal/worker"
)

type scopeKind int

const (
	pageScope scopeKind = iota
	workerScope
)

// scopeOptions describe how a scope talks to whoever embeds it
type scopeOptions struct {
	kind    scopeKind
	frameID string
	layer   *netvirt.Layer
	spawner worker.Spawner

	// page: notifications to the host
	notify func(ctx context.Context, channel string, args interface{}) error
	// worker: messages to the parent, and self.close()
	post      func(data json.RawMessage)
	closeSelf func()
}

// Scope is one script context (a page or a worker) bound onto a Runtime.
// It installs the __proxy control object and the browser globals whose
// traffic the host must mediate.
type Scope struct {
	rt    *Runtime
	cfg   Config
	opts  scopeOptions
	layer *netvirt.Layer
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	frameID string
	workers []*worker.Worker

	// loop-owned
	listeners map[string][]listener
	state     goja.Value
}

type listener struct {
	fn   goja.Value
	call goja.Callable
}

func newScope(ctx context.Context, rt *Runtime, cfg Config, opts scopeOptions) (*Scope, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scope{
		rt:        rt,
		cfg:       cfg.withDefaults(),
		opts:      opts,
		layer:     opts.layer,
		log:       rt.log,
		ctx:       ctx,
		cancel:    cancel,
		frameID:   opts.frameID,
		listeners: make(map[string][]listener),
	}

	err := rt.Do(ctx, func(vm *goja.Runtime) error {
		return s.install(vm)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// FrameID returns the loader identity of this context
func (s *Scope) FrameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameID
}

func (s *Scope) setFrameID(id string) {
	s.mu.Lock()
	s.frameID = id
	s.mu.Unlock()
}

// Close stops every worker this context created
func (s *Scope) Close() {
	s.cancel()

	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()

	for _, w := range workers {
		w.Terminate()
	}
}

func (s *Scope) install(vm *goja.Runtime) error {
	proxy := vm.NewObject()
	for name, obj := range map[string]*goja.Object{
		"loader":  s.loaderObject(vm),
		"network": s.networkObject(vm),
		"context": s.contextObject(vm),
	} {
		if err := proxy.Set(name, obj); err != nil {
			return err
		}
	}

	globals := map[string]interface{}{
		"__proxy":             proxy,
		"location":            s.locationObject(vm),
		"fetch":               s.fetch(vm),
		"importScripts":       s.importScripts(vm),
		"Worker":              s.workerConstructor(vm),
		"addEventListener":    s.addEventListener,
		"removeEventListener": s.removeEventListener,
	}
	if s.opts.kind == workerScope {
		globals["postMessage"] = s.postToParent(vm)
		globals["close"] = func() {
			if s.opts.closeSelf != nil {
				go s.opts.closeSelf()
			}
		}
	} else {
		globals["history"] = s.historyObject(vm)
	}

	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scope) loaderObject(vm *goja.Runtime) *goja.Object {
	loader := vm.NewObject()
	_ = loader.Set("set_url", func(raw string) {
		if err := s.layer.SetBaseURL(raw); err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
	})
	_ = loader.Set("set_frame_id", s.setFrameID)
	_ = loader.Set("frame_id", func() string { return s.FrameID() })
	return loader
}

func (s *Scope) networkObject(vm *goja.Runtime) *goja.Object {
	network := vm.NewObject()
	_ = network.Set("cache_put", func(call goja.FunctionCall) goja.Value {
		target := call.Argument(0).String()
		contents := call.Argument(1)
		if b, ok := contents.Export().(bool); ok && !b {
			s.layer.Cache().PutFailure(target)
		} else {
			s.layer.Cache().Put(target, contents.String())
		}
		return goja.Undefined()
	})
	_ = network.Set("enable_network", func() {
		if err := s.layer.EnableNetwork(); err != nil {
			panic(vm.NewGoError(err))
		}
	})
	_ = network.Set("requests_allowed", func() bool {
		return s.layer.Mode() == netvirt.Enabled
	})
	return network
}

func (s *Scope) contextObject(vm *goja.Runtime) *goja.Object {
	ctxObj := vm.NewObject()
	_ = ctxObj.Set("run_script", func(src string) goja.Value {
		s.layer.Seal()
		v, err := vm.RunScript(s.layer.BaseURL(), src)
		if err != nil {
			rethrow(vm, err)
		}
		return v
	})
	return ctxObj
}

// importScripts reports its URLs while the network is disabled, so a probe
// learns them. With the network enabled it runs cached scripts in order.
func (s *Scope) importScripts(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		urls := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			u, err := s.layer.Resolve(arg.String())
			if err != nil {
				panic(vm.NewTypeError(err.Error()))
			}
			urls = append(urls, u)
		}

		if s.layer.Mode() == netvirt.Disabled {
			s.reportImports(urls)
			return goja.Undefined()
		}

		for _, u := range urls {
			entry := s.layer.Cache().Get(u)
			switch entry.State {
			case cache.Hit:
				if _, err := vm.RunScript(u, entry.Contents); err != nil {
					rethrow(vm, err)
				}
			case cache.MissPermanent:
				throwError(vm, "NetworkError", "Script network request failed")
			default:
				s.log.Warn("importScripts cache miss", zap.String("url", u))
				target := u
				s.layer.Background(s.ctx, target, func(resp *transport.Response, err error) {
					if err != nil {
						s.log.Debug("late import failed", zap.String("url", target), zap.Error(err))
						return
					}
					s.rt.Post(func(vm *goja.Runtime) {
						if _, err := vm.RunScript(target, resp.Body()); err != nil {
							s.rt.onError(err)
						}
					})
				})
			}
		}
		return goja.Undefined()
	}
}

func (s *Scope) reportImports(urls []string) {
	if s.opts.post == nil {
		s.log.Debug("imports observed without a parent", zap.Strings("urls", urls))
		return
	}
	msg, err := worker.NewImportMessage(s.FrameID(), urls)
	if err != nil {
		s.log.Warn("encode import report", zap.Error(err))
		return
	}
	s.opts.post(msg)
}

// fetch resolves through the network layer off the loop and settles the
// returned promise back on it
func (s *Scope) fetch(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		raw := call.Argument(0).String()
		if obj, ok := call.Argument(0).(*goja.Object); ok {
			if u := obj.Get("url"); u != nil && !goja.IsUndefined(u) {
				raw = u.String()
			}
		}

		promise, resolve, reject := vm.NewPromise()
		go func() {
			resp, err := s.layer.Fetch(s.ctx, raw)
			s.rt.Post(func(vm *goja.Runtime) {
				if err != nil {
					_ = reject(vm.NewTypeError("Failed to fetch: " + err.Error()))
					return
				}
				_ = resolve(responseObject(vm, resp))
			})
		}()
		return vm.ToValue(promise)
	}
}

func responseObject(vm *goja.Runtime, resp *transport.Response) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("ok", resp.OK())
	_ = obj.Set("url", resp.URL)
	_ = obj.Set("text", func() goja.Value {
		p, resolve, _ := vm.NewPromise()
		_ = resolve(resp.Body())
		return vm.ToValue(p)
	})
	_ = obj.Set("json", func() goja.Value {
		p, resolve, reject := vm.NewPromise()
		var v interface{}
		if err := json.Unmarshal(resp.Bytes(), &v); err != nil {
			_ = reject(vm.NewTypeError("invalid json: " + err.Error()))
		} else {
			_ = resolve(v)
		}
		return vm.ToValue(p)
	})
	return obj
}

func (s *Scope) locationObject(vm *goja.Runtime) *goja.Object {
	loc := vm.NewObject()

	part := func(fn func(u *url.URL) string) goja.Value {
		return vm.ToValue(func() string {
			u, err := url.Parse(s.layer.BaseURL())
			if err != nil || s.layer.BaseURL() == "" {
				return ""
			}
			return fn(u)
		})
	}

	var setHref goja.Value
	if s.opts.kind == pageScope {
		setHref = vm.ToValue(func(raw string) { s.navigate(vm, raw, true) })
	}
	_ = loc.DefineAccessorProperty("href", part(func(u *url.URL) string { return u.String() }), setHref, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("origin", part(origin), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("protocol", part(func(u *url.URL) string { return u.Scheme + ":" }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("host", part(func(u *url.URL) string { return u.Host }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("hostname", part(func(u *url.URL) string { return u.Hostname() }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("pathname", part(func(u *url.URL) string { return u.EscapedPath() }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("search", part(func(u *url.URL) string {
		if u.RawQuery == "" {
			return ""
		}
		return "?" + u.RawQuery
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("hash", part(func(u *url.URL) string {
		if u.Fragment == "" {
			return ""
		}
		return "#" + u.Fragment
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.Set("toString", func() string { return s.layer.BaseURL() })

	if s.opts.kind == pageScope {
		_ = loc.Set("assign", func(raw string) { s.navigate(vm, raw, true) })
		_ = loc.Set("replace", func(raw string) { s.navigate(vm, raw, true) })
		_ = loc.Set("reload", func() { s.navigate(vm, s.layer.BaseURL(), true) })
	}
	return loc
}

// navigate asks the host to move the frame. Without reload the document
// stays and only the recorded URL changes.
func (s *Scope) navigate(vm *goja.Runtime, raw string, reload bool) string {
	target, err := s.layer.Resolve(raw)
	if err != nil {
		panic(vm.NewTypeError(err.Error()))
	}
	if !reload {
		_ = s.layer.SetBaseURL(target)
	}
	s.notifyHost(types.ChannelNavigate, types.NavigateArgs{FrameID: s.FrameID(), URL: target, Reload: reload})
	return target
}

func (s *Scope) historyObject(vm *goja.Runtime) *goja.Object {
	history := vm.NewObject()
	s.state = goja.Null()

	change := func(call goja.FunctionCall) goja.Value {
		state := call.Argument(0)
		ref := call.Argument(2)
		if !goja.IsUndefined(ref) && !goja.IsNull(ref) {
			target, err := s.layer.Resolve(ref.String())
			if err != nil {
				panic(vm.NewTypeError(err.Error()))
			}
			if !sameOrigin(target, s.layer.BaseURL()) {
				throwError(vm, "SecurityError", "history state url must be same-origin")
			}
			s.navigate(vm, target, false)
		}
		s.state = state
		return goja.Undefined()
	}

	_ = history.Set("pushState", change)
	_ = history.Set("replaceState", change)
	_ = history.DefineAccessorProperty("state", vm.ToValue(func() goja.Value { return s.state }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return history
}

// postToParent is a worker's global postMessage
func (s *Scope) postToParent(vm *goja.Runtime) func(goja.Value) {
	return func(data goja.Value) {
		raw, err := json.Marshal(exportValue(data))
		if err != nil {
			throwError(vm, "DataCloneError", "message could not be cloned: "+err.Error())
		}
		if s.opts.post != nil {
			s.opts.post(raw)
		}
	}
}

func (s *Scope) addEventListener(name string, fn goja.Value) {
	if cb, ok := goja.AssertFunction(fn); ok {
		s.listeners[name] = append(s.listeners[name], listener{fn: fn, call: cb})
	}
}

func (s *Scope) removeEventListener(name string, fn goja.Value) {
	ls := s.listeners[name]
	for i := range ls {
		if ls[i].fn.SameAs(fn) {
			s.listeners[name] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// dispatch calls the global on<name> handler and then the listeners.
// Only call it from the loop.
func (s *Scope) dispatch(vm *goja.Runtime, name string, event *goja.Object) {
	if h, ok := goja.AssertFunction(vm.Get("on" + name)); ok {
		if _, err := h(vm.GlobalObject(), event); err != nil {
			s.rt.onError(err)
		}
	}
	for _, l := range append([]listener(nil), s.listeners[name]...) {
		if _, err := l.call(vm.GlobalObject(), event); err != nil {
			s.rt.onError(err)
		}
	}
}

// deliver dispatches a message from the parent into a worker scope
func (s *Scope) deliver(raw json.RawMessage) {
	s.rt.Post(func(vm *goja.Runtime) {
		var data interface{}
		if err := json.Unmarshal(raw, &data); err != nil {
			s.dispatch(vm, "messageerror", newEvent(vm, "messageerror", nil))
			return
		}
		s.dispatch(vm, "message", newEvent(vm, "message", data))
	})
}

func newEvent(vm *goja.Runtime, typ string, data interface{}) *goja.Object {
	ev := vm.NewObject()
	_ = ev.Set("type", typ)
	_ = ev.Set("data", data)
	return ev
}

func (s *Scope) notifyHost(channel string, args interface{}) {
	if s.opts.notify == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.opts.notify(ctx, channel, args); err != nil {
		s.log.Warn("host notification failed", zap.String("channel", channel), zap.Error(err))
	}
}

func throwError(vm *goja.Runtime, name, msg string) {
	obj, err := vm.New(vm.Get("Error"), vm.ToValue(msg))
	if err != nil {
		panic(vm.NewGoError(errors.New(msg)))
	}
	_ = obj.Set("name", name)
	panic(obj)
}

// rethrow raises err inside the calling script. An interrupt is re-armed so
// the outer script cannot swallow it.
func rethrow(vm *goja.Runtime, err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		vm.Interrupt(interrupted.Value())
	}
	panic(vm.NewGoError(err))
}

func origin(u *url.URL) string {
	if u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func sameOrigin(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return origin(ua) != "" && origin(ua) == origin(ub)
}
