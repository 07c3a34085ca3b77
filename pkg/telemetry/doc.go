// Package telemetry wires the engine into OpenTelemetry. It owns the
// process-wide tracer provider bootstrap and the metric instruments that
// describe policy evaluation behaviour.
//
// Instruments are created lazily on first use so that importing this package
// never forces an exporter to exist; without a configured provider all
// recording calls are no-ops.
package telemetry
