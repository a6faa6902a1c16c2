package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/frame"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/proxyframe/internal/shared/types"
	"github.com/GriffinCanCode/proxyframe/internal/shared/utils"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// BreakerSource reports per-host circuit breaker states
type BreakerSource interface {
	Breakers() map[string]resilience.State
}

// Handlers contains all HTTP handlers
type Handlers struct {
	controller *frame.Controller
	breakers   BreakerSource
	metrics    *HandlerMetrics
	tracer     *tracing.Tracer
	log        *zap.Logger
}

// NewHandlers creates a new handler set. breakers, tracer and log may be nil.
func NewHandlers(
	controller *frame.Controller,
	breakers BreakerSource,
	metrics *HandlerMetrics,
	tracer *tracing.Tracer,
	log *zap.Logger,
) *Handlers {
	if metrics == nil {
		metrics = NewHandlerMetrics(nil)
	}
	return &Handlers{
		controller: controller,
		breakers:   breakers,
		metrics:    metrics,
		tracer:     tracer,
		log:        logging.OrNop(log).Named("api"),
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "online",
		"service":          "proxyframe",
		"version":          Version,
		"protocol_version": h.controller.ProtocolVersion(),
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"frames": h.controller.Registry().Len(),
	})
}

// CreateFrame registers a new frame and, when a url is given, navigates it
func (h *Handlers) CreateFrame(c *gin.Context) {
	var req types.CreateFrameRequest
	// the body is optional
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	done := h.metrics.TrackFrameOperation("create")
	f, err := h.controller.Create(frame.Callbacks{})
	done(err)
	if err != nil {
		h.fail(c, err)
		return
	}

	if req.URL != "" {
		if err := h.navigate(c.Request.Context(), f, req.URL); err != nil {
			// a frame nobody can navigate is not worth keeping
			h.controller.Destroy(f.ID)
			h.fail(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, f.Info())
}

// ListFrames lists every registered frame
func (h *Handlers) ListFrames(c *gin.Context) {
	frames := h.controller.Registry().List()
	infos := make([]frame.Info, 0, len(frames))
	for _, f := range frames {
		infos = append(infos, f.Info())
	}

	c.JSON(http.StatusOK, gin.H{
		"frames": infos,
		"count":  len(infos),
	})
}

// GetFrame returns one frame's state
func (h *Handlers) GetFrame(c *gin.Context) {
	f, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, f.Info())
}

// DeleteFrame destroys a frame and its sandbox
func (h *Handlers) DeleteFrame(c *gin.Context) {
	frameID := c.Param("id")
	if err := utils.ValidateID(frameID, "frame_id", true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	done := h.metrics.TrackFrameOperation("destroy")
	err := h.controller.Destroy(frameID)
	done(err)
	if err != nil && errors.Is(err, frame.ErrUnknownFrame) {
		h.fail(c, err)
		return
	}
	if err != nil {
		h.log.Warn("container teardown failed", logging.Frame(frameID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"frame_id": frameID,
	})
}

// Navigate loads a URL into a frame. Fetch and push failures are not
// request errors; they show up in the returned frame's last_error or in
// the sandbox's error page.
func (h *Handlers) Navigate(c *gin.Context) {
	f, ok := h.lookup(c)
	if !ok {
		return
	}

	var req types.NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if err := h.navigate(c.Request.Context(), f, req.URL); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f.Info())
}

func (h *Handlers) navigate(ctx context.Context, f *frame.Frame, rawURL string) error {
	finish := h.span(ctx, "frame.navigate", f.ID)
	done := h.metrics.TrackFrameOperation("navigate")

	err := h.controller.Navigate(finish.ctx, f, rawURL)
	done(err)
	finish.end(err)
	return err
}

// Favicon returns the icon URL of the frame's current document
func (h *Handlers) Favicon(c *gin.Context) {
	f, ok := h.lookup(c)
	if !ok {
		return
	}

	finish := h.span(c.Request.Context(), "frame.favicon", f.ID)
	done := h.metrics.TrackFrameOperation("favicon")
	icon, err := h.controller.Favicon(finish.ctx, f)
	done(err)
	finish.end(err)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"frame_id": f.ID,
		"url":      icon,
	})
}

// Eval runs a script in the frame's page
func (h *Handlers) Eval(c *gin.Context) {
	f, ok := h.lookup(c)
	if !ok {
		return
	}

	var req types.EvalArgs
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := utils.ValidateScript(req.Script); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	finish := h.span(c.Request.Context(), "frame.eval", f.ID)
	done := h.metrics.TrackFrameOperation("eval")
	res, err := h.controller.Eval(finish.ctx, f, req.Script)
	done(err)
	finish.end(err)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Storage returns the localStorage entries kept for the frame's origin
func (h *Handlers) Storage(c *gin.Context) {
	f, ok := h.lookup(c)
	if !ok {
		return
	}

	origin := f.Origin()
	entries := map[string]string{}
	if origin != "" {
		if got := h.controller.Storage().Entries(c.Request.Context(), origin); got != nil {
			entries = got
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"frame_id": f.ID,
		"origin":   origin,
		"entries":  entries,
	})
}

func (h *Handlers) lookup(c *gin.Context) (*frame.Frame, bool) {
	frameID := c.Param("id")
	if err := utils.ValidateID(frameID, "frame_id", true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	f, err := h.controller.Get(frameID)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return f, true
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusFor maps a host error onto an HTTP status
func StatusFor(err error) int {
	switch {
	case errors.Is(err, frame.ErrUnknownFrame):
		return http.StatusNotFound
	case errors.Is(err, frame.ErrControllerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	kind, ok := types.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case types.KindInvalidURL:
		return http.StatusBadRequest
	case types.KindTransportFailure:
		return http.StatusServiceUnavailable
	case types.KindRPCTimeout:
		return http.StatusGatewayTimeout
	case types.KindRPCHandlerError, types.KindSandboxPushFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type spanScope struct {
	tracer *tracing.Tracer
	span   *tracing.Span
	ctx    context.Context
}

func (h *Handlers) span(ctx context.Context, name, frameID string) spanScope {
	if h.tracer == nil {
		return spanScope{ctx: ctx}
	}
	span, ctx := h.tracer.StartSpan(ctx, name)
	span.FrameID = frameID
	return spanScope{tracer: h.tracer, span: span, ctx: ctx}
}

func (s spanScope) end(err error) {
	if s.span == nil {
		return
	}
	s.span.SetError(err)
	s.span.Finish()
	s.tracer.Submit(s.span)
}
