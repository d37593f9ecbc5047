// Package telemetry wires OpenTelemetry exporters and meters for pipeline runs.
//
// It centralises trace provider setup, records per-step and per-run metrics
// through the global meter provider, and keeps an optional Prometheus registry
// that the CLI can dump to a textfile for node_exporter style collection.
package telemetry
