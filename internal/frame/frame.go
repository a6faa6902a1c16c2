package frame

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// Container is the sandbox a frame renders into
type Container interface {
	// Load discards the current sandbox and boots a fresh bootstrap. It
	// returns once the new sandbox can take a page push.
	Load(ctx context.Context) error
	Close() error
}

// ContainerFactory creates the container of a new frame
type ContainerFactory func(frameID string) (Container, error)

// Callbacks observe a frame's lifecycle. Nil callbacks are skipped.
type Callbacks struct {
	// OnNavigate fires when a navigation starts, after the URL is recorded
	OnNavigate func(f *Frame)
	// OnLoad fires once the sandbox acknowledged the page push
	OnLoad func(f *Frame)
	// OnURLChange fires when content announces a URL change without reloading
	OnURLChange func(f *Frame)
}

// EventType names a lifecycle event
type EventType string

const (
	EventNavigate    EventType = "navigate"
	EventLoad        EventType = "load"
	EventURLChange   EventType = "url_change"
	EventPushFailure EventType = "push_failure"
	EventDestroyed   EventType = "destroyed"
)

// Event is one lifecycle notification delivered to subscribers
type Event struct {
	Type    EventType `json:"type"`
	FrameID string    `json:"frame_id"`
	URL     string    `json:"url,omitempty"`
	Title   string    `json:"title,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Info is a point-in-time view of a frame
type Info struct {
	ID        string    `json:"id"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Loading   bool      `json:"loading"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Frame is one sandboxed browsing session
type Frame struct {
	ID        string
	CreatedAt time.Time

	container Container

	// navigations on one frame run one at a time
	nav sync.Mutex

	mu        sync.RWMutex
	url       *url.URL
	title     string
	loading   bool
	lastErr   error
	callbacks Callbacks
	subs      map[int]func(Event)
	nextSub   int
	closed    bool
}

// New creates a frame bound to container
func New(frameID string, container Container) *Frame {
	return &Frame{
		ID:        frameID,
		CreatedAt: time.Now(),
		container: container,
		subs:      make(map[int]func(Event)),
	}
}

// SetCallbacks replaces the lifecycle callbacks
func (f *Frame) SetCallbacks(cb Callbacks) {
	f.mu.Lock()
	f.callbacks = cb
	f.mu.Unlock()
}

// URL returns a copy of the current URL, or nil before the first navigation
func (f *Frame) URL() *url.URL {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.url == nil {
		return nil
	}
	u := *f.url
	return &u
}

// Loading reports whether a navigation is in progress
func (f *Frame) Loading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loading
}

// LastError returns the push failure of the latest navigation, if any
func (f *Frame) LastError() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastErr
}

// Title returns the title the sandbox reported for the loaded page
func (f *Frame) Title() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.title
}

// Container returns the frame's sandbox container
func (f *Frame) Container() Container {
	return f.container
}

// Info returns a snapshot of the frame's state
func (f *Frame) Info() Info {
	f.mu.RLock()
	defer f.mu.RUnlock()

	info := Info{
		ID:        f.ID,
		Title:     f.title,
		Loading:   f.loading,
		CreatedAt: f.CreatedAt,
	}
	if f.url != nil {
		info.URL = f.url.String()
	}
	if f.lastErr != nil {
		info.LastError = f.lastErr.Error()
	}
	return info
}

// Origin returns scheme://host of the current URL, or "" when there is none
func (f *Frame) Origin() string {
	return originOf(f.URL())
}

// Subscribe registers fn for lifecycle events. The returned func removes it.
func (f *Frame) Subscribe(fn func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return func() {}
	}
	key := f.nextSub
	f.nextSub++
	f.subs[key] = fn

	return func() {
		f.mu.Lock()
		delete(f.subs, key)
		f.mu.Unlock()
	}
}

func (f *Frame) begin(u *url.URL) {
	f.mu.Lock()
	f.url = u
	f.loading = true
	f.lastErr = nil
	cb := f.callbacks.OnNavigate
	f.mu.Unlock()

	if cb != nil {
		cb(f)
	}
	f.publish(Event{Type: EventNavigate, URL: u.String()})
}

// settle records the final URL of a navigation before the page push
func (f *Frame) settle(u *url.URL) {
	f.mu.Lock()
	f.url = u
	f.mu.Unlock()
}

func (f *Frame) loaded(title string) {
	f.mu.Lock()
	f.loading = false
	f.title = title
	cb := f.callbacks.OnLoad
	current := f.url.String()
	f.mu.Unlock()

	if cb != nil {
		cb(f)
	}
	f.publish(Event{Type: EventLoad, URL: current, Title: title})
}

func (f *Frame) failed(err error) {
	f.mu.Lock()
	f.loading = false
	f.lastErr = err
	f.mu.Unlock()

	f.publish(Event{Type: EventPushFailure, Error: err.Error()})
}

func (f *Frame) changeURL(u *url.URL) {
	f.mu.Lock()
	f.url = u
	cb := f.callbacks.OnURLChange
	f.mu.Unlock()

	if cb != nil {
		cb(f)
	}
	f.publish(Event{Type: EventURLChange, URL: u.String()})
}

// close delivers the final event and drops every subscriber
func (f *Frame) close() {
	f.publish(Event{Type: EventDestroyed})

	f.mu.Lock()
	f.closed = true
	f.subs = make(map[int]func(Event))
	f.mu.Unlock()
}

func (f *Frame) publish(ev Event) {
	ev.FrameID = f.ID
	ev.Time = time.Now()

	f.mu.RLock()
	subs := make([]func(Event), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func originOf(u *url.URL) string {
	if u == nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
