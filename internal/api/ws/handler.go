package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/frame"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // frames are driven from arbitrary embedding pages
	},
}

// Handler serves the websocket endpoints of a frame
type Handler struct {
	registry *frame.Registry
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *frame.Registry, metrics *monitoring.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		metrics:  metrics,
		log:      logging.OrNop(log).Named("ws"),
	}
}

func (h *Handler) lookup(c *gin.Context) (*frame.Frame, bool) {
	f, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown frame"})
		return nil, false
	}
	return f, true
}

// Events streams a frame's lifecycle events as JSON text messages. The
// stream ends after the destroyed event.
func (h *Handler) Events(c *gin.Context) {
	f, ok := h.lookup(c)
	if !ok {
		return
	}

	events := make(chan frame.Event, eventBuffer)
	unsubscribe := f.Subscribe(func(ev frame.Event) {
		select {
		case events <- ev:
		default:
			h.log.Warn("event subscriber lagging, dropping event",
				logging.Frame(f.ID), zap.String("type", string(ev.Type)))
		}
	})
	defer unsubscribe()

	// subscribed before the handshake completes so no event is missed
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	// destroyed between lookup and subscribe
	if !h.registry.Has(f.ID) {
		h.write(conn, frame.Event{Type: frame.EventDestroyed, FrameID: f.ID, Time: time.Now()})
		return
	}

	// the read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if err := h.write(conn, ev); err != nil {
				return
			}
			if ev.Type == frame.EventDestroyed {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "frame destroyed"),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, ev frame.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		h.log.Debug("event write failed", logging.Frame(ev.FrameID), zap.Error(err))
		return err
	}
	return nil
}

// Sandbox attaches a remotely hosted sandbox to a frame. The connection
// carries RPC messages until the client leaves or the frame reloads.
func (h *Handler) Sandbox(c *gin.Context) {
	f, ok := h.lookup(c)
	if !ok {
		return
	}

	container, ok := f.Container().(*RemoteContainer)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "frame sandbox is hosted in-process"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := rpc.NewWebSocketConn(ws, h.log)
	if err := container.Attach(conn); err != nil {
		h.log.Info("rejecting sandbox for closed frame", logging.Frame(f.ID))
		conn.Close()
		return
	}

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	<-conn.Done()
	h.log.Debug("remote sandbox detached", logging.Frame(f.ID))
}
