// Package telemetry wires OpenTelemetry exporters and meters for ruleflow.
//
// It centralises trace provider setup, records rule execution metrics
// against the global meter provider and exposes a Prometheus registry for
// the HTTP surface so operators can correlate rule outcomes with API load.
package telemetry
