// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components receive a *zap.Logger and scope it with Named and the field
// helpers in this package, so every line about a session carries its
// frame_id:
//
//	logger := logging.NewDefault()
//	log := logger.Named("navigation").With(logging.Frame(frameID))
//	log.Info("navigating", zap.String("url", target))
package logging
