package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"
)

// consoleLimit bounds the captured console buffer
const consoleLimit = 512

// Runtime is one goja VM driven by its own event loop. All JavaScript runs
// on the loop goroutine; Go code reaches the VM only through Do and Post.
type Runtime struct {
	loop *eventloop.EventLoop
	vm   *goja.Runtime
	cfg  Config
	log  *zap.Logger

	consoleMu sync.Mutex
	console   []LogEntry

	// loop-owned
	timers  map[int64]*eventloop.Timer
	ticks   map[int64]*eventloop.Interval
	nextID  int64
	onError func(error)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRuntime starts a runtime with hardened globals
func NewRuntime(cfg Config, log *zap.Logger) *Runtime {
	r := &Runtime{
		cfg:    cfg.withDefaults(),
		log:    log,
		timers: make(map[int64]*eventloop.Timer),
		ticks:  make(map[int64]*eventloop.Interval),
		closed: make(chan struct{}),
	}
	r.onError = func(err error) {
		r.log.Debug("uncaught script error", zap.Error(err))
	}

	registry := new(require.Registry)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{r}))

	r.loop = eventloop.NewEventLoop(eventloop.WithRegistry(registry))
	r.loop.Start()

	ready := make(chan struct{})
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(ready)
		r.vm = vm
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		r.setupGlobals(vm)
	})
	<-ready

	return r
}

// setupGlobals removes host escape hatches and replaces the loop's timers
// with ones that survive throwing callbacks
func (r *Runtime) setupGlobals(vm *goja.Runtime) {
	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = vm.Set(name, goja.Undefined())
	}
	_ = vm.Set("self", vm.GlobalObject())
	_ = vm.Set("globalThis", vm.GlobalObject())

	_ = vm.Set("setTimeout", r.makeTimer(false))
	_ = vm.Set("setInterval", r.makeTimer(true))
	_ = vm.Set("clearTimeout", r.clearTimer)
	_ = vm.Set("clearInterval", r.clearTimer)
	_ = vm.Set("queueMicrotask", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("queueMicrotask requires a function"))
		}
		r.loop.SetTimeout(func(*goja.Runtime) { r.invoke(fn) }, 0)
		return goja.Undefined()
	})
}

// OnError sets the handler for errors thrown by async callbacks. Must be
// called before scripts run.
func (r *Runtime) OnError(fn func(error)) {
	r.Post(func(*goja.Runtime) { r.onError = fn })
}

func (r *Runtime) makeTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		r.nextID++
		id := r.nextID
		if repeat {
			r.ticks[id] = r.loop.SetInterval(func(*goja.Runtime) { r.invoke(fn, args...) }, delay)
		} else {
			r.timers[id] = r.loop.SetTimeout(func(*goja.Runtime) {
				delete(r.timers, id)
				r.invoke(fn, args...)
			}, delay)
		}
		return r.vm.ToValue(id)
	}
}

func (r *Runtime) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := r.timers[id]; ok {
		r.loop.ClearTimeout(t)
		delete(r.timers, id)
	}
	if t, ok := r.ticks[id]; ok {
		r.loop.ClearInterval(t)
		delete(r.ticks, id)
	}
	return goja.Undefined()
}

// invoke calls fn on the loop, routing a throw to the error handler
func (r *Runtime) invoke(fn goja.Callable, args ...goja.Value) {
	if _, err := fn(goja.Undefined(), args...); err != nil {
		r.onError(err)
	}
}

// Post schedules fn on the loop without waiting. Go panics raised by fn are
// recovered and logged.
func (r *Runtime) Post(fn func(vm *goja.Runtime)) {
	select {
	case <-r.closed:
		return
	default:
	}
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic on event loop", zap.Any("panic", rec))
			}
		}()
		fn(vm)
	})
}

// After runs fn on the loop once d has elapsed
func (r *Runtime) After(d time.Duration, fn func(vm *goja.Runtime)) {
	r.loop.SetTimeout(func(vm *goja.Runtime) {
		select {
		case <-r.closed:
		default:
			fn(vm)
		}
	}, d)
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (r *Runtime) Do(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	errc := make(chan error, 1)
	r.Post(func(vm *goja.Runtime) {
		errc <- fn(vm)
	})

	select {
	case err := <-errc:
		return err
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exec runs src on the loop with the script timeout armed. Only call it
// from the loop.
func (r *Runtime) exec(ctx context.Context, vm *goja.Runtime, name, src string) (v goja.Value, err error) {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	timer := time.NewTimer(r.cfg.ScriptTimeout)

	go func() {
		defer close(stopped)
		select {
		case <-timer.C:
			vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			vm.Interrupt("context cancelled")
		case <-r.closed:
			vm.Interrupt("runtime closed")
		case <-stop:
		}
	}()

	defer func() {
		timer.Stop()
		close(stop)
		<-stopped
		vm.ClearInterrupt()

		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: script panic: %v", name, rec)
		}
	}()

	v, err = vm.RunScript(name, src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("%s: %w: %v", name, ErrInterrupted, interrupted.Value())
		}
		return nil, err
	}
	return v, nil
}

// Run executes src and returns its exported completion value
func (r *Runtime) Run(ctx context.Context, name, src string) (interface{}, error) {
	var out interface{}
	err := r.Do(ctx, func(vm *goja.Runtime) error {
		v, err := r.exec(ctx, vm, name, src)
		if err != nil {
			return err
		}
		out = exportValue(v)
		return nil
	})
	return out, err
}

// Eval runs src like Run, waits for a returned promise to settle and
// collects the console output produced meanwhile
func (r *Runtime) Eval(ctx context.Context, src string) (*Result, error) {
	start := time.Now()
	mark := r.consoleLen()

	settled := make(chan settlement, 1)
	err := r.Do(ctx, func(vm *goja.Runtime) error {
		v, err := r.exec(ctx, vm, "eval", src)
		if err != nil {
			return err
		}
		awaitValue(vm, v, settled)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var s settlement
	select {
	case s = <-settled:
	case <-r.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}

	return &Result{
		Value:    s.value,
		Console:  r.consoleSince(mark),
		Duration: time.Since(start),
	}, nil
}

type settlement struct {
	value interface{}
	err   error
}

// awaitValue delivers v, or the settled value of v when it is a thenable
func awaitValue(vm *goja.Runtime, v goja.Value, out chan<- settlement) {
	if obj, ok := v.(*goja.Object); ok {
		if then, ok := goja.AssertFunction(obj.Get("then")); ok {
			onResolve := func(res goja.Value) { out <- settlement{value: exportValue(res)} }
			onReject := func(reason goja.Value) { out <- settlement{err: errors.New(reason.String())} }
			if _, err := then(obj, vm.ToValue(onResolve), vm.ToValue(onReject)); err != nil {
				out <- settlement{err: err}
			}
			return
		}
	}
	out <- settlement{value: exportValue(v)}
}

// exportValue converts goja value to Go value
func exportValue(val goja.Value) interface{} {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}

// Console returns every captured console entry
func (r *Runtime) Console() []LogEntry {
	return r.consoleSince(0)
}

func (r *Runtime) consoleLen() int {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	return len(r.console)
}

func (r *Runtime) consoleSince(mark int) []LogEntry {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	if mark > len(r.console) {
		mark = len(r.console)
	}
	return append([]LogEntry{}, r.console[mark:]...)
}

func (r *Runtime) record(level, msg string) {
	r.consoleMu.Lock()
	if len(r.console) >= consoleLimit {
		r.console = append(r.console[:0], r.console[len(r.console)/2:]...)
	}
	r.console = append(r.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
	r.consoleMu.Unlock()

	switch level {
	case "error":
		r.log.Warn("console", zap.String("level", level), zap.String("message", msg))
	default:
		r.log.Debug("console", zap.String("level", level), zap.String("message", msg))
	}
}

// Close stops the loop. Running scripts are interrupted.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		if r.vm != nil {
			r.vm.Interrupt("runtime closed")
		}
		r.loop.StopNoWait()
	})
}

// Done is closed once the runtime is closed
func (r *Runtime) Done() <-chan struct{} {
	return r.closed
}

// consolePrinter routes the console module into the runtime's buffer
type consolePrinter struct {
	r *Runtime
}

func (p consolePrinter) Log(s string)   { p.r.record("log", s) }
func (p consolePrinter) Warn(s string)  { p.r.record("warn", s) }
func (p consolePrinter) Error(s string) { p.r.record("error", s) }
