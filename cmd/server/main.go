package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/config"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/server"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		srv.Close()
		log.Fatalf("Server error: %v", err)
	}
}

// loadConfig resolves environment, then -config file, then flags.
// Flags are parsed twice so they still win over the file.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var path string
	if err := newFlagSet(cfg, &path).Parse(args); err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	cfg, err = config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return cfg, newFlagSet(cfg, &path).Parse(args)
}

func newFlagSet(cfg *config.Config, path *string) *flag.FlagSet {
	fs := flag.NewFlagSet("proxyframe", flag.ContinueOnError)
	fs.StringVar(path, "config", *path, "YAML config file")
	fs.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "Server port")
	fs.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "Listen host")
	fs.StringVar(&cfg.Storage.Path, "storage", cfg.Storage.Path, "SQLite file for local storage (empty keeps it in memory)")
	fs.BoolVar(&cfg.Sandbox.Remote, "remote-sandbox", cfg.Sandbox.Remote, "Wait for sandboxes to attach over /frames/:id/sandbox")
	fs.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	return fs
}
