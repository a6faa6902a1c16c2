package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketConn carries messages as JSON text frames. Frames that do not
// decode are dropped.
type WebSocketConn struct {
	ws  *websocket.Conn
	log *zap.Logger

	writeMu sync.Mutex
	in      chan Message
	done    chan struct{}
	once    sync.Once
}

// NewWebSocketConn wraps an established websocket and starts its read pump
func NewWebSocketConn(ws *websocket.Conn, log *zap.Logger) *WebSocketConn {
	c := &WebSocketConn{
		ws:   ws,
		log:  logging.OrNop(log).Named("ws"),
		in:   make(chan Message, pipeBuffer),
		done: make(chan struct{}),
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.pingLoop()
	return c
}

// Dial connects to a remote rpc endpoint
func Dial(ctx context.Context, url string, log *zap.Logger) (*WebSocketConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, log), nil
}

func (c *WebSocketConn) readPump() {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed message", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}

		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *WebSocketConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketConn) Receive() <-chan Message { return c.in }

func (c *WebSocketConn) Done() <-chan struct{} { return c.done }

func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
