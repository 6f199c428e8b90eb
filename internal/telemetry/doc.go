// Package telemetry wires logging, metrics and tracing for the sync
// engine: slog loggers backed by stderr or a rotated file, an OpenTelemetry
// metrics recorder with a no-op fallback, and per-source spans.
package telemetry
