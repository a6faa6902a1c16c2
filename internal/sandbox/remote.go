package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/rpc"
	"github.com/GriffinCanCode/proxyframe/internal/transport"
)

const (
	redialMin = 50 * time.Millisecond
	redialMax = 5 * time.Second
)

// ServeRemote hosts frameID's sandbox for a host reachable at url, the
// frame's /sandbox websocket endpoint. Whenever the host drops the
// connection a fresh page is booted and the connection re-established.
// It returns when ctx ends or the host refuses the handshake.
func ServeRemote(ctx context.Context, url, frameID string, fetcher transport.Fetcher, cfg Config) error {
	log := logging.OrNop(cfg.Logger).Named("remote").With(logging.Frame(frameID))
	wait := redialMin

	for {
		conn, err := rpc.Dial(ctx, url, cfg.Logger)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, websocket.ErrBadHandshake):
			return err
		case err != nil:
			log.Debug("dial failed, retrying", zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait = min(wait*2, redialMax)
			continue
		}
		wait = redialMin

		page := NewPage(frameID, conn, fetcher, nil, cfg)
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		if err := page.Serve(); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("page stopped", zap.Error(err))
		}
		stop()
		page.Close()
		conn.Close()

		log.Debug("host dropped sandbox, rebooting")
	}
}
