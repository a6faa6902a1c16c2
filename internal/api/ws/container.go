package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
)

// DefaultAttachTimeout bounds how long Load waits for a client to reconnect
const DefaultAttachTimeout = 10 * time.Second

var (
	// ErrContainerClosed is returned by a container after Close
	ErrContainerClosed = errors.New("remote container closed")
	// ErrNotAttached is returned when no client reconnected in time
	ErrNotAttached = errors.New("remote sandbox did not attach")
)

// RemoteContainer is a frame container whose sandbox runs in a client
// connected over a websocket. Load drops the current connection, which the
// client answers by booting a fresh sandbox and reconnecting.
type RemoteContainer struct {
	frameID string
	hub     *rpc.Hub
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	waiting chan struct{}
	closed  bool
}

// NewRemoteContainer creates a container for frameID. A zero timeout uses
// DefaultAttachTimeout.
func NewRemoteContainer(frameID string, hub *rpc.Hub, timeout time.Duration, log *zap.Logger) *RemoteContainer {
	if timeout <= 0 {
		timeout = DefaultAttachTimeout
	}
	return &RemoteContainer{
		frameID: frameID,
		hub:     hub,
		timeout: timeout,
		log:     logging.OrNop(log).Named("remote").With(logging.Frame(frameID)),
	}
}

// Load reboots the remote sandbox and waits for it to come back
func (r *RemoteContainer) Load(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrContainerClosed
	}
	wait := make(chan struct{})
	r.waiting = wait
	r.hub.Detach(r.frameID)
	r.mu.Unlock()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrNotAttached, r.timeout)
	}
}

// Attach routes the frame's traffic over conn and releases a pending Load
func (r *RemoteContainer) Attach(conn rpc.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrContainerClosed
	}
	r.hub.Attach(r.frameID, conn)
	if r.waiting != nil {
		close(r.waiting)
		r.waiting = nil
	}

	r.log.Debug("remote sandbox attached")
	return nil
}

// Attached reports whether a client is connected
func (r *RemoteContainer) Attached() bool {
	return r.hub.Attached(r.frameID)
}

// Close detaches the client; later Loads and Attaches fail
func (r *RemoteContainer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.hub.Detach(r.frameID)
	return nil
}
