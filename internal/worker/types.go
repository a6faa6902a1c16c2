package worker

import (
	"context"
	"encoding/json"
	"errors"
)

// ImportsChannel carries import reports from a probing worker to its stand-in
const ImportsChannel = "imports"

var (
	// ErrTerminated is returned by operations on a terminated worker
	ErrTerminated = errors.New("worker terminated")
)

// Phase is the stand-in's lifecycle position
type Phase int

const (
	Probing Phase = iota
	Discovered
	Running
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Probing:
		return "probing"
	case Discovered:
		return "discovered"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options are the worker constructor options, passed through unchanged
type Options struct {
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

// Descriptor is a snapshot of a stand-in
type Descriptor struct {
	ScriptURL    string
	Options      Options
	ImportedURLs []string
	Phase        Phase
}

// EventType tags worker events
type EventType string

const (
	EventMessage      EventType = "message"
	EventError        EventType = "error"
	EventMessageError EventType = "messageerror"
)

// Event is delivered to worker listeners. Data carries message payloads
// as JSON; Message carries the text of error events.
type Event struct {
	Type    EventType
	Data    json.RawMessage
	Message string
}

// Clone returns an independent copy
func (e Event) Clone() Event {
	out := Event{Type: e.Type, Message: e.Message}
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	return out
}

// ImportReport is the payload of an imports message
type ImportReport struct {
	URLs []string `json:"urls"`
}

// Native is a worker created by the sandbox runtime. Implementations
// deliver events asynchronously; PostMessage never raises one inline.
type Native interface {
	PostMessage(data json.RawMessage) error
	Terminate()
}

// Spawner creates native workers from a bootstrap script. onEvent receives
// every event the worker raises toward its parent and must not block.
type Spawner interface {
	Spawn(ctx context.Context, script string, opts Options, onEvent func(Event)) (Native, error)
}

// SpawnerFunc adapts a function to Spawner
type SpawnerFunc func(ctx context.Context, script string, opts Options, onEvent func(Event)) (Native, error)

func (f SpawnerFunc) Spawn(ctx context.Context, script string, opts Options, onEvent func(Event)) (Native, error) {
	return f(ctx, script, opts, onEvent)
}
