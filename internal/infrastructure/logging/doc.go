// Package logging provides structured logging for teleop-core.
//
// It wraps log/slog with JSON (production) or text (development) output and
// attaches service, version and instance fields to every record.
//
// Domain packages never import this package. Each declares its own small
// Logger interface and defaults to a no-op; main wires a *Logger in:
//
//	logger := logging.New(cfg.Logging, version, cfg.Service.ID)
//	registry.SetLogger(logger.Component("registry"))
//
// Never log secrets, device credentials or payment API keys.
package logging
