package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/config"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/sandbox"
	"github.com/GriffinCanCode/proxyframe/internal/shared/utils"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	host := flag.String("host", "http://localhost:8000", "Host base URL")
	frameID := flag.String("frame", "", "Frame to serve")
	configFile := flag.String("config", "", "YAML config file")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	if *configFile != "" {
		if cfg, err = config.LoadFile(*configFile); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
	}
	cfg.Logging.Development = cfg.Logging.Development || *dev

	if err := utils.ValidateID(*frameID, "frame", true); err != nil {
		log.Fatalf("Invalid frame: %v", err)
	}
	endpoint, err := sandboxURL(*host, *frameID)
	if err != nil {
		log.Fatalf("Invalid host: %v", err)
	}

	logger := logging.FromLevel(cfg.Logging.Level, cfg.Logging.Development)
	defer logger.Sync()

	client := transport.New(transport.Config{
		Timeout:      cfg.Transport.Timeout,
		Retries:      cfg.Transport.Retries,
		RetryWaitMin: transport.DefaultConfig().RetryWaitMin,
		RetryWaitMax: transport.DefaultConfig().RetryWaitMax,
		RPS:          cfg.Transport.RPS,
		UserAgent:    cfg.Transport.UserAgent,
		Blocklist:    cfg.Transport.Blocklist,
		Breaker:      transport.DefaultConfig().Breaker,
		Logger:       logger.Logger,
	})
	if err := client.Init(); err != nil {
		logger.Fatal("transport init failed", zap.Error(err))
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("serving remote sandbox", logging.Frame(*frameID), zap.String("host", endpoint))
	err = sandbox.ServeRemote(ctx, endpoint, *frameID, client.ForFrame(*frameID), sandbox.Config{
		ScriptTimeout:    cfg.Sandbox.ScriptTimeout,
		ProbeTimeout:     cfg.Worker.ProbeTimeout,
		FetchParallelism: cfg.Worker.FetchParallelism,
		Logger:           logger.Logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("remote sandbox stopped", zap.Error(err))
	}
}

// sandboxURL turns the host's http base URL into the frame's websocket endpoint
func sandboxURL(base, frameID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("host must be an http(s) or ws(s) URL")
	}
	u.Path = "/frames/" + frameID + "/sandbox"
	return u.String(), nil
}
