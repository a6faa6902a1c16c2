package http

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/proxyframe/internal/frame"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
)

// StatsSnapshot is a point-in-time summary of the host
type StatsSnapshot struct {
	Timestamp       time.Time         `json:"timestamp"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	ProtocolVersion string            `json:"protocol_version"`
	Frames          FrameStats        `json:"frames"`
	Breakers        map[string]string `json:"breakers"`
	StorageOrigins  []string          `json:"storage_origins"`
}

// FrameStats counts frames by state
type FrameStats struct {
	Total   int `json:"total"`
	Loading int `json:"loading"`
	Failed  int `json:"failed"`
}

// StatsHandler serves GET /stats
type StatsHandler struct {
	controller *frame.Controller
	breakers   BreakerSource
	metrics    *monitoring.Metrics
}

// NewStatsHandler creates a stats handler. breakers and metrics may be nil.
func NewStatsHandler(controller *frame.Controller, breakers BreakerSource, metrics *monitoring.Metrics) *StatsHandler {
	return &StatsHandler{controller: controller, breakers: breakers, metrics: metrics}
}

// GetStats returns the current snapshot
func (s *StatsHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot(c))
}

// Snapshot collects the current host state
func (s *StatsHandler) Snapshot(c *gin.Context) StatsSnapshot {
	snap := StatsSnapshot{
		Timestamp:       time.Now(),
		ProtocolVersion: s.controller.ProtocolVersion(),
		Breakers:        map[string]string{},
		StorageOrigins:  []string{},
	}

	if start := s.metrics.StartTime(); !start.IsZero() {
		snap.UptimeSeconds = time.Since(start).Seconds()
	}

	for _, f := range s.controller.Registry().List() {
		snap.Frames.Total++
		if f.Loading() {
			snap.Frames.Loading++
		}
		if f.LastError() != nil {
			snap.Frames.Failed++
		}
	}

	if s.breakers != nil {
		for host, state := range s.breakers.Breakers() {
			snap.Breakers[host] = state.String()
		}
	}

	for origin := range s.controller.Storage().Snapshot(c.Request.Context()) {
		snap.StorageOrigins = append(snap.StorageOrigins, origin)
	}
	sort.Strings(snap.StorageOrigins)

	return snap
}
