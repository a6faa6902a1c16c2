package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestFromLevelFallsBack(t *testing.T) {
	logger := FromLevel("chatty", false)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestFieldHelpers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core).Named("navigation").With(Frame("frame_1"))

	log.Info("navigating", Channel("html"), Worker("worker_2"))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "frame_1", ctx["frame_id"])
	assert.Equal(t, "html", ctx["channel"])
	assert.Equal(t, "worker_2", ctx["worker_id"])
	assert.Equal(t, "navigation", entries[0].LoggerName)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
