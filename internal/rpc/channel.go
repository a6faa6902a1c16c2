package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/shared/id"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
)

// DefaultCallTimeout bounds the wait for a correlated response
const DefaultCallTimeout = 10 * time.Second

var (
	// ErrTimeout is the cause of every RpcTimeout error
	ErrTimeout = errors.New("no response before deadline")
	// ErrChannelClosed is returned to callers still waiting when the conn goes away
	ErrChannelClosed = errors.New("rpc channel closed")
)

// HandlerFunc serves one channel. The returned value is JSON-encoded into
// the response payload.
type HandlerFunc func(ctx context.Context, frameID string, payload json.RawMessage) (interface{}, error)

// Typed adapts a handler taking a decoded argument struct
func Typed[T any](fn func(ctx context.Context, frameID string, args T) (interface{}, error)) HandlerFunc {
	return func(ctx context.Context, frameID string, payload json.RawMessage) (interface{}, error) {
		var args T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, fmt.Errorf("decode %T: %w", args, err)
			}
		}
		return fn(ctx, frameID, args)
	}
}

// Config configures a Channel
type Config struct {
	// CallTimeout bounds request/response calls; zero means DefaultCallTimeout
	CallTimeout time.Duration
	// Accept filters inbound traffic by frame; nil accepts everything
	Accept  func(frameID string) bool
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

type result struct {
	payload json.RawMessage
	err     error
}

// Channel is one side of the call/response protocol
type Channel struct {
	conn    Conn
	timeout time.Duration
	accept  func(frameID string) bool
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  map[string]chan result
	notifies map[string]*notifyQueue
}

// notifyQueue holds one frame's undelivered notifies. At most one drain
// goroutine runs per queue.
type notifyQueue struct {
	msgs     []Message
	handlers []HandlerFunc
	running  bool
}

// NewChannel creates a channel over conn. Call Serve to start dispatching.
func NewChannel(conn Conn, cfg Config) *Channel {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Channel{
		conn:     conn,
		timeout:  timeout,
		accept:   cfg.Accept,
		log:      logging.OrNop(cfg.Logger).Named("rpc"),
		metrics:  cfg.Metrics,
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[string]chan result),
		notifies: make(map[string]*notifyQueue),
	}
}

// Handle registers the handler for a channel name. Registering a name twice panics.
func (c *Channel) Handle(name string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.handlers[name]; exists {
		panic(fmt.Sprintf("rpc: handler for %q already registered", name))
	}
	c.handlers[name] = h
}

// Pending returns the number of outstanding calls
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Serve dispatches inbound messages until ctx ends or the conn closes
func (c *Channel) Serve(ctx context.Context) error {
	defer c.failPending(ErrChannelClosed)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return nil
		case msg := <-c.conn.Receive():
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, msg Message) {
	if c.accept != nil && !c.accept(msg.FrameID) {
		c.metrics.RecordRPCDropped("unknown_frame")
		c.log.Debug("dropping message for unknown frame",
			logging.Frame(msg.FrameID), logging.Channel(msg.Channel))
		return
	}

	switch msg.Kind {
	case KindCall:
		c.mu.Lock()
		h, ok := c.handlers[msg.Channel]
		c.mu.Unlock()
		if !ok {
			c.metrics.RecordRPCDropped("unknown_channel")
			c.log.Debug("no handler for channel", logging.Channel(msg.Channel))
			return
		}
		if msg.IsNotify() {
			c.enqueueNotify(ctx, h, msg)
			return
		}
		go c.invoke(ctx, h, msg)

	case KindResponse, KindError:
		c.resolve(msg)

	default:
		c.metrics.RecordRPCDropped("bad_kind")
		c.log.Warn("dropping message with unknown kind", zap.String("kind", string(msg.Kind)))
	}
}

func (c *Channel) invoke(ctx context.Context, h HandlerFunc, msg Message) {
	value, err := c.safeCall(ctx, h, msg)

	if msg.IsNotify() {
		if err != nil {
			c.log.Warn("notify handler failed",
				logging.Frame(msg.FrameID), logging.Channel(msg.Channel), zap.Error(err))
		}
		return
	}

	reply := Message{FrameID: msg.FrameID, Channel: msg.Channel, CallID: msg.CallID, Kind: KindResponse}
	if err == nil {
		reply.Payload, err = encode(value)
	}
	if err != nil {
		reply.Kind = KindError
		reply.Payload, _ = json.Marshal(errorPayload{Message: err.Error()})
	}

	if sendErr := c.conn.Send(ctx, reply); sendErr != nil {
		c.log.Debug("reply not delivered",
			logging.Frame(msg.FrameID), logging.Channel(msg.Channel), zap.Error(sendErr))
	}
}

// enqueueNotify runs notifies of one frame one after another in arrival
// order; a later notify may carry state that supersedes an earlier one.
// Calls expecting a response stay concurrent.
func (c *Channel) enqueueNotify(ctx context.Context, h HandlerFunc, msg Message) {
	c.mu.Lock()
	q, ok := c.notifies[msg.FrameID]
	if !ok {
		q = &notifyQueue{}
		c.notifies[msg.FrameID] = q
	}
	q.msgs = append(q.msgs, msg)
	q.handlers = append(q.handlers, h)
	if q.running {
		c.mu.Unlock()
		return
	}
	q.running = true
	c.mu.Unlock()

	go c.drainNotifies(ctx, msg.FrameID, q)
}

func (c *Channel) drainNotifies(ctx context.Context, frameID string, q *notifyQueue) {
	for {
		c.mu.Lock()
		if len(q.msgs) == 0 {
			q.running = false
			delete(c.notifies, frameID)
			c.mu.Unlock()
			return
		}
		msg, h := q.msgs[0], q.handlers[0]
		q.msgs, q.handlers = q.msgs[1:], q.handlers[1:]
		c.mu.Unlock()

		c.invoke(ctx, h, msg)
	}
}

// safeCall runs h, converting a panic into an error
func (c *Channel) safeCall(ctx context.Context, h HandlerFunc, msg Message) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked",
				logging.Frame(msg.FrameID), logging.Channel(msg.Channel), zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg.FrameID, msg.Payload)
}

func (c *Channel) resolve(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.CallID]
	delete(c.pending, msg.CallID)
	c.mu.Unlock()

	if !ok {
		c.metrics.RecordRPCDropped("unknown_call")
		c.log.Debug("dropping response for unknown call",
			zap.String("call_id", msg.CallID), logging.Channel(msg.Channel))
		return
	}

	res := result{payload: msg.Payload}
	if msg.Kind == KindError {
		var ep errorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil || ep.Message == "" {
			ep.Message = "remote handler failed"
		}
		res = result{err: types.NewError(types.KindRPCHandlerError, msg.Channel, errors.New(ep.Message))}
	}
	ch <- res
}

func (c *Channel) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for callID, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, callID)
	}
}

// Call sends a request and waits for the correlated response, decoding it
// into out when out is non-nil.
func (c *Channel) Call(ctx context.Context, frameID, channel string, args, out interface{}) error {
	payload, err := encode(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", channel, err)
	}

	callID := id.NewCallID().String()
	ch := make(chan result, 1)

	c.mu.Lock()
	c.pending[callID] = ch
	c.mu.Unlock()

	timer := monitoring.NewTimer(c.metrics, channel)
	msg := Message{FrameID: frameID, Channel: channel, CallID: callID, Kind: KindCall, Payload: payload}
	if err := c.conn.Send(ctx, msg); err != nil {
		c.forget(callID)
		timer.Stop("send_error")
		return fmt.Errorf("send %s: %w", channel, err)
	}

	wait := time.NewTimer(c.timeout)
	defer wait.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			timer.Stop("error")
			return res.err
		}
		timer.Stop("ok")
		if out != nil && len(res.payload) > 0 {
			if err := json.Unmarshal(res.payload, out); err != nil {
				return fmt.Errorf("decode %s response: %w", channel, err)
			}
		}
		return nil

	case <-wait.C:
		c.forget(callID)
		timer.Stop("timeout")
		return types.NewError(types.KindRPCTimeout, channel, ErrTimeout)

	case <-ctx.Done():
		c.forget(callID)
		timer.Stop("cancelled")
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget call
func (c *Channel) Notify(ctx context.Context, frameID, channel string, args interface{}) error {
	msg, err := NewNotify(frameID, channel, args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", channel, err)
	}
	return c.conn.Send(ctx, msg)
}

func (c *Channel) forget(callID string) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()
}
