package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/proxyframe/internal/cache"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/shared/id"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

const (
	DefaultProbeTimeout     = 500 * time.Millisecond
	DefaultFetchParallelism = 8
)

// Config carries what a stand-in needs from its enclosing context
type Config struct {
	// FrameID is the enclosing frame, for logs only
	FrameID string
	// BaseURL is the enclosing document URL; worker scripts resolve against it
	BaseURL string
	// Network fetches the worker script and its imports
	Network transport.Fetcher
	Spawner Spawner

	// OnEvent, if set, is registered as the first listener before loading starts
	OnEvent func(Event)

	ProbeTimeout     time.Duration
	FetchParallelism int

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Worker is the stand-in handed to page scripts in place of a native
// worker. It discovers the script's imports in a throwaway probe, then
// starts the real worker with those imports pre-seeded in its cache.
type Worker struct {
	cfg       Config
	scriptURL string
	opts      Options
	log       *zap.Logger
	metrics   *monitoring.Metrics

	cancel context.CancelFunc
	ready  chan struct{}

	mu        sync.Mutex
	phase     Phase
	imports   []string
	seen      map[string]struct{}
	temp      *scopedWorker
	native    Native
	queue     []json.RawMessage
	listeners []func(Event)
}

// New creates a stand-in and starts loading it in the background
func New(ctx context.Context, cfg Config, scriptURL string, opts Options) *Worker {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FetchParallelism <= 0 {
		cfg.FetchParallelism = DefaultFetchParallelism
	}

	log := logging.OrNop(cfg.Logger).Named("worker").With(
		logging.Frame(cfg.FrameID), zap.String("script", scriptURL))

	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		cfg:       cfg,
		scriptURL: scriptURL,
		opts:      opts,
		log:       log,
		metrics:   cfg.Metrics,
		cancel:    cancel,
		ready:     make(chan struct{}),
		seen:      make(map[string]struct{}),
	}
	if cfg.OnEvent != nil {
		w.listeners = append(w.listeners, cfg.OnEvent)
	}

	go w.load(ctx)
	return w
}

// OnEvent registers a listener for events raised by the real worker
func (w *Worker) OnEvent(fn func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != Terminated {
		w.listeners = append(w.listeners, fn)
	}
}

// PostMessage delivers data to the real worker, queueing it until the
// worker is running. Data is serialized at call time.
func (w *Worker) PostMessage(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.phase == Terminated:
		return ErrTerminated
	case w.native == nil:
		w.queue = append(w.queue, raw)
		return nil
	default:
		return w.native.PostMessage(raw)
	}
}

// Terminate stops whichever worker is alive and makes the stand-in inert
func (w *Worker) Terminate() {
	w.mu.Lock()
	if w.phase == Terminated {
		w.mu.Unlock()
		return
	}
	wasRunning := w.phase == Running
	w.phase = Terminated
	native, temp := w.native, w.temp
	w.native, w.queue, w.listeners = nil, nil, nil
	w.mu.Unlock()

	w.cancel()
	temp.release()
	if native != nil {
		native.Terminate()
	}
	if wasRunning {
		w.metrics.DecWorkersActive()
	}
	w.log.Debug("worker terminated")
}

// Phase returns the current phase
func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Ready is closed once the load pipeline has finished, whether the worker
// ended up running or terminated
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Descriptor snapshots the stand-in
func (w *Worker) Descriptor() Descriptor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Descriptor{
		ScriptURL:    w.scriptURL,
		Options:      w.opts,
		ImportedURLs: append([]string(nil), w.imports...),
		Phase:        w.phase,
	}
}

// record appends reported URLs while probing. Each URL is kept once, in
// first-report order; reports after discovery are ignored.
func (w *Worker) record(urls []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase != Probing {
		return
	}
	for _, u := range urls {
		if _, dup := w.seen[u]; dup {
			continue
		}
		w.seen[u] = struct{}{}
		w.imports = append(w.imports, u)
	}
}

// advance moves to phase unless the worker was terminated meanwhile
func (w *Worker) advance(phase Phase) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase == Terminated {
		return false
	}
	w.phase = phase
	return true
}

func (w *Worker) load(ctx context.Context) {
	defer close(w.ready)

	resp, err := w.cfg.Network.Fetch(ctx, w.scriptURL)
	if err != nil {
		w.fail(fmt.Sprintf("failed to load worker script %s: %v", w.scriptURL, err))
		return
	}
	script := resp.Body()

	if ctx.Err() != nil {
		return
	}

	tempID := id.NewWorkerID().String()
	start := time.Now()
	outcome := w.probe(ctx, tempID, script)

	if !w.advance(Discovered) {
		return
	}

	w.mu.Lock()
	imports := append([]string(nil), w.imports...)
	w.temp = nil
	w.mu.Unlock()

	w.metrics.RecordProbe(string(outcome), time.Since(start), len(imports))
	w.log.Debug("probe finished", zap.String("outcome", string(outcome)), zap.Strings("imports", imports))

	seeds := w.fetchImports(ctx, imports)
	if ctx.Err() != nil {
		return
	}

	boot := Bootstrap{
		BaseURL: w.cfg.BaseURL,
		FrameID: tempID,
		Network: true,
		Seeds:   seeds,
		Script:  script,
	}
	native, err := w.cfg.Spawner.Spawn(ctx, boot.Render(), w.opts, w.forward)
	if err != nil {
		w.fail(fmt.Sprintf("failed to start worker %s: %v", w.scriptURL, err))
		return
	}

	w.mu.Lock()
	if w.phase == Terminated {
		w.mu.Unlock()
		native.Terminate()
		return
	}
	w.native = native
	w.phase = Running
	queued := w.queue
	w.queue = nil
	for _, msg := range queued {
		if err := native.PostMessage(msg); err != nil {
			w.log.Warn("queued message not delivered", zap.Error(err))
		}
	}
	w.mu.Unlock()

	w.metrics.IncWorkersActive()
	w.log.Debug("worker running", zap.Int("flushed", len(queued)))
}

// fetchImports fetches every import concurrently. A failed fetch becomes a
// failure seed; it never aborts the batch.
func (w *Worker) fetchImports(ctx context.Context, urls []string) []cache.Seed {
	seeds := make([]cache.Seed, len(urls))

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.FetchParallelism)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			seeds[i] = cache.Seed{URL: u}
			resp, err := w.cfg.Network.Fetch(ctx, u)
			if err != nil {
				w.log.Debug("import fetch failed", zap.String("url", u), zap.Error(err))
				return nil
			}
			body := resp.Body()
			seeds[i].Contents = &body
			return nil
		})
	}
	_ = g.Wait()

	return seeds
}

// forward re-dispatches a real worker event to the stand-in's listeners
func (w *Worker) forward(ev Event) {
	w.mu.Lock()
	if w.phase == Terminated {
		w.mu.Unlock()
		return
	}
	listeners := append(([]func(Event))(nil), w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(ev.Clone())
	}
}

// fail raises an error event and terminates
func (w *Worker) fail(message string) {
	w.log.Warn("worker failed", zap.String("error", message))
	w.forward(Event{Type: EventError, Message: message})
	w.Terminate()
}
