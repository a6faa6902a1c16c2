package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/netvirt"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
	"github.com/GriffinCanCode/proxyframe/internal/worker"
)

// NativeSpawner runs every worker in a runtime of its own. Each worker gets
// a fresh network layer, populated only by its bootstrap.
type NativeSpawner struct {
	cfg      Config
	fetcher  transport.Fetcher
	reporter netvirt.Reporter
	log      *zap.Logger
}

// NewNativeSpawner creates a spawner whose workers fetch through fetcher
func NewNativeSpawner(cfg Config, fetcher transport.Fetcher) *NativeSpawner {
	cfg = cfg.withDefaults()
	return &NativeSpawner{
		cfg:     cfg,
		fetcher: fetcher,
		log:     logging.OrNop(cfg.Logger).Named("native_worker"),
	}
}

// WithReporter sends requests a worker makes while its network is disabled
// to r, tagged with the worker's loader identity. Call before the first Spawn.
func (n *NativeSpawner) WithReporter(r netvirt.Reporter) *NativeSpawner {
	n.reporter = r
	return n
}

// Spawn starts script in a new runtime. The bootstrap runs asynchronously;
// a throw surfaces as an error event.
func (n *NativeSpawner) Spawn(ctx context.Context, script string, opts worker.Options, onEvent func(worker.Event)) (worker.Native, error) {
	log := n.log
	if opts.Name != "" {
		log = log.With(zap.String("name", opts.Name))
	}

	rt := NewRuntime(n.cfg, log)
	w := &nativeWorker{rt: rt, onEvent: onEvent}

	layer := netvirt.New(netvirt.Config{
		Fetcher:  n.fetcher,
		Reporter: w.reporter(n.reporter),
		Logger:   log,
		Metrics:  n.cfg.Metrics,
	})
	scope, err := newScope(ctx, rt, n.cfg, scopeOptions{
		kind:      workerScope,
		layer:     layer,
		spawner:   n,
		post:      w.emitMessage,
		closeSelf: w.Terminate,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	w.scope = scope

	rt.OnError(func(err error) {
		w.emit(worker.Event{Type: worker.EventError, Message: errorMessage(err)})
	})
	rt.Post(func(vm *goja.Runtime) {
		if _, err := rt.exec(scope.ctx, vm, "worker", script); err != nil {
			w.emit(worker.Event{Type: worker.EventError, Message: errorMessage(err)})
		}
	})

	return w, nil
}

// reporter tags reports with the frame id the bootstrap assigned, which is
// only known once the worker script has started.
func (w *nativeWorker) reporter(r netvirt.Reporter) netvirt.Reporter {
	if r == nil {
		return nil
	}
	return netvirt.ReporterFunc(func(ctx context.Context, _ string, target string) error {
		frameID := ""
		if w.scope != nil {
			frameID = w.scope.FrameID()
		}
		return r.Report(ctx, frameID, target)
	})
}

type nativeWorker struct {
	rt      *Runtime
	scope   *Scope
	onEvent func(worker.Event)

	done atomic.Bool
	once sync.Once
}

// PostMessage queues data for the worker's message handlers
func (w *nativeWorker) PostMessage(data json.RawMessage) error {
	if w.done.Load() {
		return worker.ErrTerminated
	}
	w.scope.deliver(data)
	return nil
}

func (w *nativeWorker) Terminate() {
	w.once.Do(func() {
		w.done.Store(true)
		w.scope.Close()
		w.rt.Close()
	})
}

func (w *nativeWorker) emitMessage(data json.RawMessage) {
	w.emit(worker.Event{Type: worker.EventMessage, Data: data})
}

func (w *nativeWorker) emit(ev worker.Event) {
	if w.done.Load() {
		return
	}
	w.onEvent(ev)
}

// errorMessage renders a script failure without its stack
func errorMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	return err.Error()
}
