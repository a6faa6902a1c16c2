package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/cache"
	"github.com/GriffinCanCode/proxyframe/internal/netvirt"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
	"github.com/GriffinCanCode/proxyframe/internal/worker"
)

// siteFetcher serves a fixed set of pages and fails everything else
type siteFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fetched []string
}

func newSite(pages map[string]string) *siteFetcher {
	return &siteFetcher{pages: pages}
}

func (f *siteFetcher) Fetch(ctx context.Context, url string) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)

	body, ok := f.pages[url]
	if !ok {
		return nil, errors.New("network down")
	}
	return transport.NewResponse(200, url, "text/javascript", []byte(body)), nil
}

func (f *siteFetcher) Fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeTimeout = 50 * time.Millisecond
	cfg.ScriptTimeout = 2 * time.Second
	cfg.Logger = zap.NewNop()
	return cfg
}

func spawnTest(t *testing.T, site *siteFetcher, boot worker.Bootstrap) (worker.Native, <-chan worker.Event) {
	t.Helper()
	events := make(chan worker.Event, 64)
	native, err := NewNativeSpawner(testConfig(), site).Spawn(context.Background(), boot.Render(), worker.Options{}, func(ev worker.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(native.Terminate)
	return native, events
}

func nextEvent(t *testing.T, events <-chan worker.Event) worker.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no worker event")
		return worker.Event{}
	}
}

func TestNativeWorkerEchoes(t *testing.T) {
	native, events := spawnTest(t, newSite(nil), worker.Bootstrap{
		BaseURL: "https://example.com/w.js",
		FrameID: "worker_echo",
		Network: true,
		Script:  "onmessage = (e) => postMessage({echo: e.data})",
	})

	require.NoError(t, native.PostMessage(json.RawMessage(`"hi"`)))

	ev := nextEvent(t, events)
	assert.Equal(t, worker.EventMessage, ev.Type)
	assert.JSONEq(t, `{"echo":"hi"}`, string(ev.Data))
}

func TestNativeWorkerProbeReportsImports(t *testing.T) {
	_, events := spawnTest(t, newSite(nil), worker.Bootstrap{
		BaseURL: "https://example.com/js/w.js",
		FrameID: "worker_probe",
		Script:  "importScripts('a.js', '/b.js'); self.ready = true",
	})

	ev := nextEvent(t, events)
	require.Equal(t, worker.EventMessage, ev.Type)

	var msg rpc.Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, worker.ImportsChannel, msg.Channel)
	assert.Equal(t, "worker_probe", msg.FrameID)

	var report worker.ImportReport
	require.NoError(t, msg.Decode(&report))
	assert.Equal(t, []string{"https://example.com/js/a.js", "https://example.com/b.js"}, report.URLs)
}

func TestNativeWorkerReportsDisabledFetches(t *testing.T) {
	reports := make(chan [2]string, 4)
	spawner := NewNativeSpawner(testConfig(), newSite(nil)).WithReporter(
		netvirt.ReporterFunc(func(ctx context.Context, frameID, url string) error {
			reports <- [2]string{frameID, url}
			return nil
		}))

	native, err := spawner.Spawn(context.Background(), worker.Bootstrap{
		BaseURL: "https://example.com/js/w.js",
		FrameID: "worker_offline",
		Script:  "fetch('data.json').catch(() => {})",
	}.Render(), worker.Options{}, func(worker.Event) {})
	require.NoError(t, err)
	t.Cleanup(native.Terminate)

	select {
	case got := <-reports:
		assert.Equal(t, [2]string{"worker_offline", "https://example.com/js/data.json"}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("disabled fetch never reported")
	}
}

func TestNativeWorkerImportsFromSeededCache(t *testing.T) {
	lib := "function add(a, b) { return a + b }"
	native, events := spawnTest(t, newSite(nil), worker.Bootstrap{
		BaseURL: "https://example.com/w.js",
		FrameID: "worker_real",
		Network: true,
		Seeds:   []cache.Seed{{URL: "https://example.com/lib.js", Contents: &lib}},
		Script:  "importScripts('lib.js'); onmessage = (e) => postMessage(add(e.data[0], e.data[1]))",
	})

	require.NoError(t, native.PostMessage(json.RawMessage(`[2, 3]`)))

	ev := nextEvent(t, events)
	assert.Equal(t, worker.EventMessage, ev.Type)
	assert.JSONEq(t, `5`, string(ev.Data))
}

func TestNativeWorkerFailedImportThrows(t *testing.T) {
	_, events := spawnTest(t, newSite(nil), worker.Bootstrap{
		BaseURL: "https://example.com/w.js",
		FrameID: "worker_gone",
		Network: true,
		Seeds:   []cache.Seed{{URL: "https://example.com/gone.js"}},
		Script:  "importScripts('gone.js')",
	})

	ev := nextEvent(t, events)
	assert.Equal(t, worker.EventError, ev.Type)
	assert.Contains(t, ev.Message, "Script network request failed")
}

func TestNativeWorkerImportMissFetchesLate(t *testing.T) {
	site := newSite(map[string]string{
		"https://example.com/late.js": "postMessage('late loaded')",
	})
	_, events := spawnTest(t, site, worker.Bootstrap{
		BaseURL: "https://example.com/w.js",
		FrameID: "worker_late",
		Network: true,
		Script:  "importScripts('late.js')",
	})

	ev := nextEvent(t, events)
	assert.Equal(t, worker.EventMessage, ev.Type)
	assert.JSONEq(t, `"late loaded"`, string(ev.Data))
	assert.Equal(t, []string{"https://example.com/late.js"}, site.Fetched())
}

func TestNativeWorkerUncaughtErrors(t *testing.T) {
	native, events := spawnTest(t, newSite(nil), worker.Bootstrap{
		BaseURL: "https://example.com/w.js",
		FrameID: "worker_err",
		Network: true,
		Script:  "onmessage = () => { throw new Error('handler failed') }; throw new Error('boom')",
	})

	ev := nextEvent(t, events)
	assert.Equal(t, worker.EventError, ev.Type)
	assert.Equal(t, "Error: boom", ev.Message)

	require.NoError(t, native.PostMessage(json.RawMessage(`{}`)))
	ev = nextEvent(t, events)
	assert.Equal(t, worker.EventError, ev.Type)
	assert.Contains(t, ev.Message, "handler failed")
}

func TestNativeWorkerTerminate(t *testing.T) {
	native, events := spawnTest(t, newSite(nil), worker.Bootstrap{
		BaseURL: "https://example.com/w.js",
		FrameID: "worker_stop",
		Network: true,
		Script:  "setInterval(() => postMessage('tick'), 5)",
	})

	nextEvent(t, events)
	native.Terminate()
	native.Terminate()

	assert.ErrorIs(t, native.PostMessage(json.RawMessage(`1`)), worker.ErrTerminated)

	// drain anything emitted before the stop landed, then expect silence
	time.Sleep(20 * time.Millisecond)
	for len(events) > 0 {
		<-events
	}
	assert.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
