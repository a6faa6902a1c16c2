package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/rpc"
)

// scopedWorker releases its native worker exactly once
type scopedWorker struct {
	native Native
	once   sync.Once
}

func (s *scopedWorker) release() {
	if s == nil || s.native == nil {
		return
	}
	s.once.Do(s.native.Terminate)
}

// probeOutcome says why the probe ended
type probeOutcome string

const (
	probeSignalled probeOutcome = "signalled"
	probeTimeout   probeOutcome = "timeout"
	probeCancelled probeOutcome = "cancelled"
	probeFailed    probeOutcome = "spawn_failed"
)

// probe runs script in a network-disabled temp worker until it errors or
// the timeout fires, recording every import it reports. The temp worker is
// terminated on every path.
func (w *Worker) probe(ctx context.Context, tempID, script string) probeOutcome {
	signal := make(chan struct{})
	var signalOnce sync.Once
	fire := func() { signalOnce.Do(func() { close(signal) }) }

	onEvent := func(ev Event) {
		switch ev.Type {
		case EventMessage:
			if urls, ok := decodeImports(ev.Data, tempID); ok {
				w.record(urls)
			}
		case EventError:
			w.log.Debug("probe worker errored", zap.String("error", ev.Message))
			fire()
		}
	}

	boot := Bootstrap{BaseURL: w.cfg.BaseURL, FrameID: tempID, Script: script}
	native, err := w.cfg.Spawner.Spawn(ctx, boot.Render(), w.opts, onEvent)
	if err != nil {
		w.log.Warn("probe worker spawn failed", zap.Error(err))
		return probeFailed
	}

	scoped := &scopedWorker{native: native}
	defer scoped.release()

	w.mu.Lock()
	w.temp = scoped
	w.mu.Unlock()

	timer := time.NewTimer(w.cfg.ProbeTimeout)
	defer timer.Stop()

	select {
	case <-signal:
		return probeSignalled
	case <-timer.C:
		return probeTimeout
	case <-ctx.Done():
		return probeCancelled
	}
}

// decodeImports extracts the URLs of an imports report sent by tempID.
// Anything else a probing worker posts is ignored.
func decodeImports(data json.RawMessage, tempID string) ([]string, bool) {
	var msg rpc.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.Channel != ImportsChannel || msg.FrameID != tempID {
		return nil, false
	}

	var report ImportReport
	if err := msg.Decode(&report); err != nil {
		return nil, false
	}
	return report.URLs, true
}

// NewImportMessage builds the envelope a probing worker posts for urls
func NewImportMessage(workerID string, urls []string) (json.RawMessage, error) {
	msg, err := rpc.NewNotify(workerID, ImportsChannel, ImportReport{URLs: urls})
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
