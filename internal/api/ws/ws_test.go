package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/proxyframe/internal/frame"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/sandbox"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

type site map[string]string

func (s site) Init() error { return nil }

func (s site) Reset(string) {}

func (s site) ForFrame(string) transport.Fetcher {
	return transport.FetcherFunc(func(ctx context.Context, raw string) (*transport.Response, error) {
		body, ok := s[raw]
		if !ok {
			return nil, types.NewError(types.KindTransportFailure, "fetch", errors.New("network down"))
		}
		return transport.NewResponse(200, raw, "text/html", []byte(body)), nil
	})
}

type brokenContainer struct{}

func (brokenContainer) Load(context.Context) error { return errors.New("no sandbox") }

func (brokenContainer) Close() error { return nil }

type wsHarness struct {
	server *httptest.Server
	hub    *rpc.Hub
	ctl    *frame.Controller
	pages  site
}

func newWS(t *testing.T, containers func(hub *rpc.Hub) frame.ContainerFactory) *wsHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pages := site{"https://example.com/": `<html><head><title>Remote</title></head><body></body></html>`}
	registry := frame.NewRegistry()
	hub := rpc.NewHub(nil, nil)
	channel := rpc.NewChannel(hub, rpc.Config{CallTimeout: 5 * time.Second, Accept: registry.Has})
	ctl := frame.NewController(frame.Config{
		Transport:  pages,
		Channel:    channel,
		Registry:   registry,
		Containers: containers(hub),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go channel.Serve(ctx)

	h := NewHandler(registry, nil, nil)
	router := gin.New()
	router.GET("/frames/:id/events", h.Events)
	router.GET("/frames/:id/sandbox", h.Sandbox)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		ctl.Close()
		server.Close()
		hub.Close()
		cancel()
	})
	return &wsHarness{server: server, hub: hub, ctl: ctl, pages: pages}
}

func (h *wsHarness) url(path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) frame.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev frame.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventsStream(t *testing.T) {
	h := newWS(t, func(*rpc.Hub) frame.ContainerFactory {
		return func(string) (frame.Container, error) { return brokenContainer{}, nil }
	})
	f, err := h.ctl.Create(frame.Callbacks{})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(h.url("/frames/"+f.ID+"/events"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, h.ctl.Navigate(context.Background(), f, "https://example.com/"))

	ev := readEvent(t, conn)
	assert.Equal(t, frame.EventNavigate, ev.Type)
	assert.Equal(t, f.ID, ev.FrameID)
	assert.Equal(t, "https://example.com/", ev.URL)

	ev = readEvent(t, conn)
	assert.Equal(t, frame.EventPushFailure, ev.Type)
	assert.Contains(t, ev.Error, "no sandbox")

	require.NoError(t, h.ctl.Destroy(f.ID))
	assert.Equal(t, frame.EventDestroyed, readEvent(t, conn).Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEventsUnknownFrame(t *testing.T) {
	h := newWS(t, func(*rpc.Hub) frame.ContainerFactory {
		return func(string) (frame.Container, error) { return brokenContainer{}, nil }
	})

	_, resp, err := websocket.DefaultDialer.Dial(h.url("/frames/frame_missing/events"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSandboxRejectsInProcessFrame(t *testing.T) {
	h := newWS(t, func(*rpc.Hub) frame.ContainerFactory {
		return func(string) (frame.Container, error) { return brokenContainer{}, nil }
	})
	f, err := h.ctl.Create(frame.Callbacks{})
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(h.url("/frames/"+f.ID+"/sandbox"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRemoteSandboxNavigation(t *testing.T) {
	h := newWS(t, func(hub *rpc.Hub) frame.ContainerFactory {
		return func(frameID string) (frame.Container, error) {
			return NewRemoteContainer(frameID, hub, 3*time.Second, nil), nil
		}
	})
	f, err := h.ctl.Create(frame.Callbacks{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() {
		served <- sandbox.ServeRemote(ctx, h.url("/frames/"+f.ID+"/sandbox"), f.ID, h.pages.ForFrame(f.ID), sandbox.Config{})
	}()

	// every navigation reboots the remote sandbox
	for i := 0; i < 2; i++ {
		require.NoError(t, h.ctl.Navigate(context.Background(), f, "https://example.com/"))
		require.NoError(t, f.LastError())
		assert.Equal(t, "Remote", f.Title())
	}

	res, err := h.ctl.Eval(context.Background(), f, "document.title")
	require.NoError(t, err)
	assert.Equal(t, "Remote", res.Value)

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("remote sandbox did not stop")
	}
}

func TestRemoteContainer(t *testing.T) {
	hub := rpc.NewHub(nil, nil)
	defer hub.Close()

	t.Run("load waits for attach", func(t *testing.T) {
		c := NewRemoteContainer("frame_a", hub, time.Second, nil)
		done := make(chan error, 1)
		go func() { done <- c.Load(context.Background()) }()

		host, _ := rpc.Pipe()
		assert.Eventually(t, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.waiting != nil
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, c.Attach(host))

		require.NoError(t, <-done)
		assert.True(t, c.Attached())
	})

	t.Run("load detaches the previous client", func(t *testing.T) {
		c := NewRemoteContainer("frame_b", hub, 50*time.Millisecond, nil)
		host, _ := rpc.Pipe()
		require.NoError(t, c.Attach(host))

		err := c.Load(context.Background())
		assert.ErrorIs(t, err, ErrNotAttached)
		assert.False(t, c.Attached())
		select {
		case <-host.Done():
		default:
			t.Fatal("previous conn left open")
		}
	})

	t.Run("load honours context", func(t *testing.T) {
		c := NewRemoteContainer("frame_c", hub, time.Second, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, c.Load(ctx), context.Canceled)
	})

	t.Run("closed", func(t *testing.T) {
		c := NewRemoteContainer("frame_d", hub, time.Second, nil)
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())

		host, _ := rpc.Pipe()
		assert.ErrorIs(t, c.Attach(host), ErrContainerClosed)
		assert.ErrorIs(t, c.Load(context.Background()), ErrContainerClosed)
	})
}
