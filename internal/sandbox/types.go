package sandbox

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/proxyframe/internal/worker"
)

var (
	// ErrInterrupted is returned when a script was stopped by its timeout or context
	ErrInterrupted = errors.New("script interrupted")
	// ErrClosed is returned by operations on a closed runtime or page
	ErrClosed = errors.New("sandbox closed")
	// ErrNoDocument is returned by page operations before a document was loaded
	ErrNoDocument = errors.New("no document loaded")
)

// Config defines sandbox configuration
type Config struct {
	ScriptTimeout    time.Duration // Per-script execution budget
	ProbeTimeout     time.Duration // Worker import probe budget
	FetchParallelism int           // Concurrent worker import fetches
	NotifyTimeout    time.Duration // Budget for one notification to the host

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// DefaultConfig returns the default sandbox configuration
func DefaultConfig() Config {
	return Config{
		ScriptTimeout:    5 * time.Second,
		ProbeTimeout:     worker.DefaultProbeTimeout,
		FetchParallelism: worker.DefaultFetchParallelism,
		NotifyTimeout:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = d.ScriptTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.FetchParallelism <= 0 {
		c.FetchParallelism = d.FetchParallelism
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, warn, error
	Message string    // Log message
	Time    time.Time // Timestamp
}

// Result holds an evaluation result
type Result struct {
	Value    interface{}   // Exported return value, promises settled
	Console  []LogEntry    // Console output during the evaluation
	Duration time.Duration // Execution time
}
