package rpc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
)

// Hub multiplexes one conn per frame behind a single Conn. Outbound
// messages are routed by FrameID; inbound messages are merged and tagged
// with the frame their conn was attached for.
type Hub struct {
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu     sync.RWMutex
	frames map[string]Conn

	in   chan Message
	done chan struct{}
	once sync.Once
}

// NewHub creates an empty hub
func NewHub(log *zap.Logger, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		log:     logging.OrNop(log).Named("hub"),
		metrics: metrics,
		frames:  make(map[string]Conn),
		in:      make(chan Message, pipeBuffer),
		done:    make(chan struct{}),
	}
}

// Attach routes traffic for frameID over conn. Attaching over an existing
// frame closes the previous conn.
func (h *Hub) Attach(frameID string, conn Conn) {
	h.mu.Lock()
	prev := h.frames[frameID]
	h.frames[frameID] = conn
	h.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close()
	}

	go h.pump(frameID, conn)
}

// Detach stops routing frameID and closes its conn
func (h *Hub) Detach(frameID string) {
	h.mu.Lock()
	conn, ok := h.frames[frameID]
	delete(h.frames, frameID)
	h.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// Attached reports whether frameID currently has a conn
func (h *Hub) Attached(frameID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.frames[frameID]
	return ok
}

func (h *Hub) pump(frameID string, conn Conn) {
	for {
		select {
		case <-h.done:
			return
		case <-conn.Done():
			h.mu.Lock()
			if h.frames[frameID] == conn {
				delete(h.frames, frameID)
			}
			h.mu.Unlock()
			return
		case msg := <-conn.Receive():
			if msg.FrameID != frameID {
				h.metrics.RecordRPCDropped("frame_mismatch")
				h.log.Warn("dropping message with foreign frame id",
					logging.Frame(frameID), zap.String("claimed", msg.FrameID), logging.Channel(msg.Channel))
				continue
			}
			select {
			case h.in <- msg:
			case <-h.done:
				return
			}
		}
	}
}

// Send routes msg to the conn attached for msg.FrameID
func (h *Hub) Send(ctx context.Context, msg Message) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}

	h.mu.RLock()
	conn, ok := h.frames[msg.FrameID]
	h.mu.RUnlock()

	if !ok {
		h.metrics.RecordRPCDropped("detached_frame")
		return fmt.Errorf("frame %s: %w", msg.FrameID, ErrClosed)
	}
	return conn.Send(ctx, msg)
}

func (h *Hub) Receive() <-chan Message { return h.in }

func (h *Hub) Done() <-chan struct{} { return h.done }

// Close detaches every frame and closes the hub
func (h *Hub) Close() error {
	h.once.Do(func() {
		close(h.done)

		h.mu.Lock()
		conns := h.frames
		h.frames = make(map[string]Conn)
		h.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
	})
	return nil
}
