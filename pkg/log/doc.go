// Package log provides the logging abstraction used by connbridge components.
//
// This package defines a Logger interface that can be implemented by
// any logging library. Default implementations are provided for zerolog
// and a no-op logger for testing.
//
// # Usage
//
// Use the provided zerolog adapter:
//
//	logger := log.NewZerologAdapterWithLogger(zerolog.New(os.Stderr))
//
// Or use the no-op logger for testing:
//
//	logger := log.NewNoopLogger()
//
// Connector output (stderr lines and LOG protocol messages) is routed
// through the same Logger. Use [With] to attach fields that should be
// present on every line, such as the connector role:
//
//	srcLogger := log.With(logger, log.String("connector", "source"))
//
// # Levels
//
// [Level] and [Log] let callers pick the level at runtime, which is how
// connector-reported severities are mapped onto the logger.
//
// # Version
//
// Current version: 1.1.0
// Minimum compatible version: 1.0.0
package log
