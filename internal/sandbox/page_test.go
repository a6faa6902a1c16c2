package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
)

const testFrame = "frame_test"

// pageHarness is the host side of a page under test
type pageHarness struct {
	page     *Page
	host     *rpc.Channel
	navigate chan types.NavigateArgs
	storage  chan types.LocalStorageArgs
	reports  chan types.NetworkReport
}

func startPage(t *testing.T, site *siteFetcher) *pageHarness {
	t.Helper()

	hostConn, guestConn := rpc.Pipe()
	page := NewPage(testFrame, guestConn, site, nil, testConfig())
	go page.Serve()

	h := &pageHarness{
		page:     page,
		host:     rpc.NewChannel(hostConn, rpc.Config{CallTimeout: 5 * time.Second}),
		navigate: make(chan types.NavigateArgs, 8),
		storage:  make(chan types.LocalStorageArgs, 8),
		reports:  make(chan types.NetworkReport, 8),
	}
	h.host.Handle(types.ChannelNavigate, rpc.Typed(func(ctx context.Context, frameID string, args types.NavigateArgs) (interface{}, error) {
		h.navigate <- args
		return nil, nil
	}))
	h.host.Handle(types.ChannelLocalStorage, rpc.Typed(func(ctx context.Context, frameID string, args types.LocalStorageArgs) (interface{}, error) {
		h.storage <- args
		return nil, nil
	}))
	h.host.Handle(types.ChannelNetworkReport, rpc.Typed(func(ctx context.Context, frameID string, args types.NetworkReport) (interface{}, error) {
		h.reports <- args
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go h.host.Serve(ctx)

	t.Cleanup(func() {
		cancel()
		page.Close()
		hostConn.Close()
	})
	return h
}

func (h *pageHarness) load(t *testing.T, load types.PageLoad) (types.PageAck, error) {
	t.Helper()
	if load.Version == "" {
		load.Version = types.ProtocolVersion
	}
	load.FrameID = testFrame

	var ack types.PageAck
	err := h.host.Call(context.Background(), testFrame, types.ChannelHTML, load, &ack)
	return ack, err
}

func (h *pageHarness) eval(t *testing.T, script string) types.EvalResult {
	t.Helper()
	var res types.EvalResult
	require.NoError(t, h.host.Call(context.Background(), testFrame, types.ChannelEval, types.EvalArgs{Script: script}, &res))
	return res
}

func markup(s string) *string { return &s }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatalf("nothing received on %T channel", zero)
		return zero
	}
}

func TestPageLoadRunsScripts(t *testing.T) {
	site := newSite(map[string]string{
		"https://example.com/app.js": "document.querySelector('#out').textContent = 'external ' + inline",
	})
	h := startPage(t, site)

	ack, err := h.load(t, types.PageLoad{
		URL:  "https://example.com/index.html",
		HTML: markup(`<html><head><title>Hello</title></head><body>
			<p id="out"></p>
			<script>var inline = 'ran'; localStorage.setItem('k', 'v')</script>
			<script type="module">throw new Error('modules are skipped')</script>
			<script src="/app.js"></script>
		</body></html>`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", ack.Title)
	assert.Equal(t, 2, ack.Scripts)
	assert.False(t, ack.ErrorPage)

	stored := receive(t, h.storage)
	assert.Equal(t, testFrame, stored.FrameID)
	assert.Equal(t, map[string]string{"k": "v"}, stored.Entries)

	var text string
	h.page.Document().Find("#out", func(sel *goquery.Selection) { text = sel.Text() })
	assert.Equal(t, "external ran", text)

	res := h.eval(t, "document.title + ' ' + location.pathname")
	assert.Equal(t, "Hello /index.html", res.Value)
}

func TestPageSeedsLocalStorage(t *testing.T) {
	h := startPage(t, newSite(nil))

	_, err := h.load(t, types.PageLoad{
		URL:          "https://example.com/",
		HTML:         markup(`<html><body></body></html>`),
		LocalStorage: map[string]string{"theme": "dark"},
	})
	require.NoError(t, err)

	res := h.eval(t, "localStorage.getItem('theme') + ':' + localStorage.length")
	assert.Equal(t, "dark:1", res.Value)
}

func TestPageMetaRefreshNavigates(t *testing.T) {
	h := startPage(t, newSite(nil))

	ack, err := h.load(t, types.PageLoad{
		URL:  "https://example.com/old/",
		HTML: markup(`<html><head><meta http-equiv="refresh" content="0; url=../new"></head></html>`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Redirects)

	nav := receive(t, h.navigate)
	assert.Equal(t, "https://example.com/new", nav.URL)
	assert.True(t, nav.Reload)
}

func TestPageHistoryPushState(t *testing.T) {
	h := startPage(t, newSite(nil))

	_, err := h.load(t, types.PageLoad{URL: "https://example.com/a", HTML: markup(`<html></html>`)})
	require.NoError(t, err)

	res := h.eval(t, "history.pushState({n: 1}, '', '/b?x=1'); location.href + ' ' + history.state.n")
	assert.Equal(t, "https://example.com/b?x=1 1", res.Value)

	nav := receive(t, h.navigate)
	assert.Equal(t, "https://example.com/b?x=1", nav.URL)
	assert.False(t, nav.Reload)

	err = h.host.Call(context.Background(), testFrame, types.ChannelEval,
		types.EvalArgs{Script: "history.pushState(null, '', 'https://evil.org/')"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same-origin")
}

func TestPageLocationAssign(t *testing.T) {
	h := startPage(t, newSite(nil))

	_, err := h.load(t, types.PageLoad{URL: "https://example.com/dir/page", HTML: markup(`<html></html>`)})
	require.NoError(t, err)

	h.eval(t, "location.assign('other')")

	nav := receive(t, h.navigate)
	assert.Equal(t, "https://example.com/dir/other", nav.URL)
	assert.True(t, nav.Reload)
}

func TestPageRejectsVersionMismatch(t *testing.T) {
	h := startPage(t, newSite(nil))

	_, err := h.load(t, types.PageLoad{URL: "https://example.com/", HTML: markup(`<html></html>`), Version: "0.1.0"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRPCHandlerError))
	assert.Contains(t, err.Error(), "protocol version mismatch")
}

func TestPageRendersErrorPage(t *testing.T) {
	h := startPage(t, newSite(nil))

	ack, err := h.load(t, types.PageLoad{URL: "https://example.com/", Error: "network down"})
	require.NoError(t, err)
	assert.True(t, ack.ErrorPage)
	assert.Equal(t, "Error", ack.Title)

	var msg string
	h.page.Document().Find("#error_msg", func(sel *goquery.Selection) { msg = sel.Text() })
	assert.Equal(t, "network down", msg)

	res := h.eval(t, "document.getElementById('version_text').textContent")
	assert.Equal(t, "proxyframe v"+types.ProtocolVersion, res.Value)
}

func TestPageErrorPageStripsMarkup(t *testing.T) {
	h := startPage(t, newSite(nil))

	_, err := h.load(t, types.PageLoad{
		URL:   "https://example.com/",
		Error: `<script>alert(1)</script><b>bad</b> gateway & more`,
	})
	require.NoError(t, err)

	var msg string
	h.page.Document().Find("#error_msg", func(sel *goquery.Selection) { msg = sel.Text() })
	assert.Equal(t, "bad gateway & more", msg)
	assert.NotContains(t, h.page.Document().HTML(), "alert(1)")
}

func TestPageFavicon(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "declared icon",
			doc:  `<html><head><link rel="shortcut icon" href="img/fav.png"></head></html>`,
			want: "https://example.com/site/img/fav.png",
		},
		{
			name: "rel is case insensitive",
			doc:  `<html><head><link rel="stylesheet" href="a.css"><link rel="Shortcut ICON" href="/x.ico"></head></html>`,
			want: "https://example.com/x.ico",
		},
		{
			name: "apple touch icon is not a token match",
			doc:  `<html><head><link rel="apple-touch-icon" href="touch.png"></head></html>`,
			want: "https://example.com/favicon.ico",
		},
		{
			name: "empty href ignored",
			doc:  `<html><head><link rel="icon" href=""></head></html>`,
			want: "https://example.com/favicon.ico",
		},
		{
			name: "default location",
			doc:  `<html><head></head></html>`,
			want: "https://example.com/favicon.ico",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startPage(t, newSite(nil))
			_, err := h.load(t, types.PageLoad{URL: "https://example.com/site/", HTML: markup(tt.doc)})
			require.NoError(t, err)

			var got types.FaviconResult
			require.NoError(t, h.host.Call(context.Background(), testFrame, types.ChannelFavicon, struct{}{}, &got))
			assert.Equal(t, tt.want, got.URL)
		})
	}
}

func TestPageEvalBeforeLoad(t *testing.T) {
	h := startPage(t, newSite(nil))

	err := h.host.Call(context.Background(), testFrame, types.ChannelEval, types.EvalArgs{Script: "1"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRPCHandlerError))
}

func TestPageFetch(t *testing.T) {
	site := newSite(map[string]string{
		"https://example.com/data.json": `{"n": 7}`,
	})
	h := startPage(t, site)

	_, err := h.load(t, types.PageLoad{URL: "https://example.com/", HTML: markup(`<html></html>`)})
	require.NoError(t, err)

	res := h.eval(t, "fetch('/data.json').then(r => r.json()).then(d => d.n)")
	assert.EqualValues(t, 7, res.Value)

	err = h.host.Call(context.Background(), testFrame, types.ChannelEval,
		types.EvalArgs{Script: "fetch('/missing.json')"}, nil)
	assert.Error(t, err)
}

func TestPageWorkerRoundTrip(t *testing.T) {
	site := newSite(map[string]string{
		"https://example.com/js/w.js":   "importScripts('lib.js'); onmessage = (e) => postMessage(add(e.data.a, e.data.b))",
		"https://example.com/js/lib.js": "function add(a, b) { return a + b }",
	})
	h := startPage(t, site)

	_, err := h.load(t, types.PageLoad{
		URL:  "https://example.com/index.html",
		HTML: markup(`<html><body><script>
			const w = new Worker('js/w.js');
			w.onmessage = (e) => localStorage.setItem('sum', String(e.data));
			w.postMessage({a: 2, b: 3});
		</script></body></html>`),
	})
	require.NoError(t, err)

	stored := receive(t, h.storage)
	assert.Equal(t, map[string]string{"sum": "5"}, stored.Entries)
	assert.Contains(t, site.Fetched(), "https://example.com/js/lib.js")
}

func TestPageIgnoresOtherFrames(t *testing.T) {
	h := startPage(t, newSite(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.host.Call(ctx, "frame_other", types.ChannelEval, types.EvalArgs{Script: "1"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
