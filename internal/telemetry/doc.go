// Package telemetry wraps OpenTelemetry SDK setup: one place builds the
// TracerProvider and MeterProvider and registers them globally. When
// telemetry is disabled no exporters are created and the global providers
// stay noop.
package telemetry
