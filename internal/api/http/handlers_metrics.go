package http

import (
	"time"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
)

// HandlerMetrics times frame operations served over the API
type HandlerMetrics struct {
	metrics *monitoring.Metrics
}

// NewHandlerMetrics creates a metrics wrapper
func NewHandlerMetrics(metrics *monitoring.Metrics) *HandlerMetrics {
	return &HandlerMetrics{metrics: metrics}
}

// TrackFrameOperation starts timing operation. The returned func records it
// as "ok" or "error" depending on the error it is given.
func (hm *HandlerMetrics) TrackFrameOperation(operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		hm.metrics.RecordFrameOperation(operation, status, time.Since(start))
	}
}
