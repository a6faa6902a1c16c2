package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/api/http"
	"github.com/GriffinCanCode/proxyframe/internal/api/middleware"
	"github.com/GriffinCanCode/proxyframe/internal/api/ws"
	"github.com/GriffinCanCode/proxyframe/internal/frame"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/config"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/sandbox"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	router     *gin.Engine
	http       *nethttp.Server
	controller *frame.Controller
	hub        *rpc.Hub
	transport  *transport.Client
	store      io.Closer
	tracer     *tracing.Tracer
	logger     *logging.Logger
	config     *config.Config
	metrics    *monitoring.Metrics

	cancel context.CancelFunc
	served chan struct{}
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger := logging.FromLevel(cfg.Logging.Level, cfg.Logging.Development)
	log := logger.Logger

	logger.Info("Initializing proxyframe host",
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("remote_sandbox", cfg.Sandbox.Remote),
		zap.String("storage", storageName(cfg.Storage.Path)),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("proxyframe", log)

	client := transport.New(transport.Config{
		Timeout:      cfg.Transport.Timeout,
		Retries:      cfg.Transport.Retries,
		RetryWaitMin: transport.DefaultConfig().RetryWaitMin,
		RetryWaitMax: transport.DefaultConfig().RetryWaitMax,
		RPS:          cfg.Transport.RPS,
		UserAgent:    cfg.Transport.UserAgent,
		Blocklist:    cfg.Transport.Blocklist,
		Breaker:      transport.DefaultConfig().Breaker,
		Logger:       log,
		Metrics:      metrics,
	})
	if err := client.Init(); err != nil {
		metrics.Close()
		tracer.Close()
		return nil, fmt.Errorf("transport: %w", err)
	}

	var (
		store  frame.Store
		closer io.Closer
	)
	if cfg.Storage.Path != "" {
		sqlite, err := frame.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			client.Close()
			metrics.Close()
			tracer.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store, closer = sqlite, sqlite
	} else {
		store = frame.NewMemoryStore()
	}

	registry := frame.NewRegistry().WithMetrics(metrics)
	hub := rpc.NewHub(log, metrics)
	channel := rpc.NewChannel(hub, rpc.Config{
		CallTimeout: cfg.RPC.CallTimeout,
		Accept:      registry.Has,
		Logger:      log,
		Metrics:     metrics,
	})

	sandboxCfg := sandbox.Config{
		ScriptTimeout:    cfg.Sandbox.ScriptTimeout,
		ProbeTimeout:     cfg.Worker.ProbeTimeout,
		FetchParallelism: cfg.Worker.FetchParallelism,
		Logger:           log,
		Metrics:          metrics,
	}
	containers := func(frameID string) (frame.Container, error) {
		if cfg.Sandbox.Remote {
			return ws.NewRemoteContainer(frameID, hub, cfg.Sandbox.AttachTimeout, log), nil
		}
		return sandbox.NewContainer(frameID, hub, client.ForFrame(frameID), sandboxCfg), nil
	}

	controller := frame.NewController(frame.Config{
		Transport:  client,
		Channel:    channel,
		Registry:   registry,
		Storage:    frame.NewSynchronizer(store, log, metrics),
		Containers: containers,
		Logger:     log,
		Metrics:    metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := channel.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("rpc channel stopped", zap.Error(err))
		}
	}()

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	handlers := http.NewHandlers(controller, client, http.NewHandlerMetrics(metrics), tracer, log)
	stats := http.NewStatsHandler(controller, client, metrics)
	wsHandler := ws.NewHandler(registry, metrics, log)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/stats", stats.GetStats)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	frames := router.Group("/frames")
	frames.POST("", handlers.CreateFrame)
	frames.GET("", handlers.ListFrames)
	frames.GET("/:id", handlers.GetFrame)
	frames.DELETE("/:id", handlers.DeleteFrame)
	frames.POST("/:id/navigate", handlers.Navigate)
	frames.GET("/:id/favicon", handlers.Favicon)
	frames.POST("/:id/eval", handlers.Eval)
	frames.GET("/:id/storage", handlers.Storage)
	frames.GET("/:id/events", wsHandler.Events)
	frames.GET("/:id/sandbox", wsHandler.Sandbox)

	logger.Info("Server initialized successfully")

	return &Server{
		router:     router,
		controller: controller,
		hub:        hub,
		transport:  client,
		store:      closer,
		tracer:     tracer,
		logger:     logger,
		config:     cfg,
		metrics:    metrics,
		cancel:     cancel,
		served:     served,
	}, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() nethttp.Handler {
	return s.router
}

// Controller returns the navigation controller
func (s *Server) Controller() *frame.Controller {
	return s.controller
}

// Run serves HTTP until Shutdown is called
func (s *Server) Run() error {
	addr := s.config.Server.Addr()
	s.http = &nethttp.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// every component.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}
	return s.Close()
}

// Close tears down frames, the RPC channel, transport and storage
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.controller.Close()
	s.hub.Close()
	s.cancel()

	select {
	case <-s.served:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("rpc channel did not stop in time")
	}

	s.transport.Close()
	s.tracer.Close()
	s.metrics.Close()

	var err error
	if s.store != nil {
		if err = s.store.Close(); err != nil {
			s.logger.Error("Failed to close storage", zap.Error(err))
			err = fmt.Errorf("failed to close storage: %w", err)
		}
	}

	s.logger.Sync()
	return err
}

func storageName(path string) string {
	if path == "" {
		return "memory"
	}
	return path
}
