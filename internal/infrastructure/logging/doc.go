// Package logging provides structured logging using uber/zap.
//
// Two modes are available:
//   - Production: JSON lines keyed time, level, component, message
//   - Development: colored console output for human readability
//
// Logs go to stderr by default so that CLI progress and results on stdout stay
// clean. Components receive a named *zap.Logger via Component; supervised
// children and transfers get loggers tagged with their pid or transfer_id.
//
// Example Usage:
//
//	logger, err := logging.New(logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development))
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//	monitor := supervisor.NewMonitor(logger.Component("supervisor"))
package logging
